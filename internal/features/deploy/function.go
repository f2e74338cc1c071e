package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/config"
	"cloudctl/internal/features/pack"
	"cloudctl/internal/logging"
	"cloudctl/internal/storage"
)

// InlineLimit is the largest package sent inline as base64 instead of
// through a bucket
const InlineLimit = 10 * 1024 * 1024

// DefaultWaitTimeout bounds how long a deploy waits for a function to settle
const DefaultWaitTimeout = 3 * time.Minute

// ErrTooLarge is returned when a package exceeds InlineLimit and no bucket
// is configured
var ErrTooLarge = errors.New("package too large to upload inline")

// FunctionAPI is the slice of the management client used for function deploys
type FunctionAPI interface {
	GetFunction(ctx context.Context, envID, name string) (*cloudapi.Function, error)
	CreateFunction(ctx context.Context, spec cloudapi.FunctionSpec, code cloudapi.Code) error
	UpdateFunctionCode(ctx context.Context, envID, name, handler string, code cloudapi.Code) error
	UpdateFunctionConfiguration(ctx context.Context, spec cloudapi.FunctionSpec) error
}

// Bucket is an object store that can name where an upload landed
type Bucket interface {
	storage.ObjectStore
	Key(key string) (string, error)
	Bucket() string
	Region() string
}

// Functions deploys [[functions]] entries
type Functions struct {
	API   FunctionAPI
	EnvID string

	// Bucket, when set, receives every package instead of inline upload
	Bucket Bucket

	// BaseDir resolves relative function directories
	BaseDir string

	Interval time.Duration
	Timeout  time.Duration

	Observe func(stage, detail string)
}

// FunctionResult describes a completed function deploy
type FunctionResult struct {
	Name    string
	Created bool
	Files   int
	Size    int64
	SHA256  string
	Via     string
	Status  string
	Elapsed time.Duration
}

// Deploy packages fn, uploads it, creates or updates the function and waits
// until it is Active.
func (d *Functions) Deploy(ctx context.Context, fn config.Function) (*FunctionResult, error) {
	start := time.Now()
	spec, err := d.spec(fn)
	if err != nil {
		return nil, err
	}

	dir := fn.Dir
	if !filepath.IsAbs(dir) && d.BaseDir != "" {
		dir = filepath.Join(d.BaseDir, dir)
	}
	pkg, err := pack.Zip(dir, pack.Options{Ignore: fn.Ignore})
	if err != nil {
		return nil, fmt.Errorf("failed to package %s: %w", fn.Name, err)
	}
	d.emit("packaged", fmt.Sprintf("%d files, %s", pkg.Files, humanize.Bytes(uint64(pkg.Size()))))

	code, via, err := d.upload(ctx, fn.Name, pkg)
	if err != nil {
		return nil, err
	}
	d.emit("uploaded", via)

	created := false
	existing, err := d.API.GetFunction(ctx, d.EnvID, fn.Name)
	switch {
	case cloudapi.IsNotFound(err):
		if err := d.API.CreateFunction(ctx, spec, code); err != nil {
			return nil, fmt.Errorf("failed to create function %s: %w", fn.Name, err)
		}
		created = true
		d.emit("created", fn.Name)

	case err != nil:
		return nil, fmt.Errorf("failed to look up function %s: %w", fn.Name, err)

	default:
		logging.Out.WithField("function", fn.Name).WithField("status", existing.Status).Debug("updating existing function")
		if existing.Status == cloudapi.FunctionCreating || existing.Status == cloudapi.FunctionUpdating {
			if _, err := d.wait(ctx, fn.Name); err != nil {
				return nil, err
			}
		}
		if err := d.API.UpdateFunctionCode(ctx, d.EnvID, fn.Name, spec.Handler, code); err != nil {
			return nil, fmt.Errorf("failed to update code of %s: %w", fn.Name, err)
		}
		d.emit("code updated", fn.Name)

		if _, err := d.wait(ctx, fn.Name); err != nil {
			return nil, err
		}
		if err := d.API.UpdateFunctionConfiguration(ctx, spec); err != nil {
			return nil, fmt.Errorf("failed to update configuration of %s: %w", fn.Name, err)
		}
		d.emit("config updated", fn.Name)
	}

	status, err := d.wait(ctx, fn.Name)
	if err != nil {
		return nil, err
	}

	return &FunctionResult{
		Name:    fn.Name,
		Created: created,
		Files:   pkg.Files,
		Size:    pkg.Size(),
		SHA256:  pkg.SHA256,
		Via:     via,
		Status:  status,
		Elapsed: time.Since(start),
	}, nil
}

func (d *Functions) spec(fn config.Function) (cloudapi.FunctionSpec, error) {
	spec := cloudapi.FunctionSpec{
		Namespace:    d.EnvID,
		FunctionName: fn.Name,
		Runtime:      fn.Runtime,
		Handler:      fn.Handler,
		MemorySize:   fn.MemoryMB,
		Timeout:      fn.Timeout,
	}

	if len(fn.Env) > 0 {
		keys := make([]string, 0, len(fn.Env))
		for k := range fn.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := &cloudapi.Environment{}
		for _, k := range keys {
			env.Variables = append(env.Variables, cloudapi.Variable{Key: k, Value: fn.Env[k]})
		}
		spec.Environment = env
	}

	for _, l := range fn.Layers {
		ref, err := ParseLayer(l)
		if err != nil {
			return spec, fmt.Errorf("function %s: %w", fn.Name, err)
		}
		spec.Layers = append(spec.Layers, ref)
	}
	return spec, nil
}

// ParseLayer reads a "name:version" layer binding
func ParseLayer(s string) (cloudapi.LayerRef, error) {
	name, version, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return cloudapi.LayerRef{}, fmt.Errorf("layer %q must be name:version", s)
	}
	n, err := strconv.Atoi(version)
	if err != nil || n < 1 {
		return cloudapi.LayerRef{}, fmt.Errorf("layer %q has an invalid version", s)
	}
	return cloudapi.LayerRef{LayerName: name, LayerVersion: n}, nil
}

func (d *Functions) upload(ctx context.Context, name string, pkg *pack.Package) (cloudapi.Code, string, error) {
	if d.Bucket != nil {
		key := fmt.Sprintf("functions/%s/%s.zip", name, pkg.SHA256[:12])
		location, err := d.Bucket.Put(ctx, key, pkg.Reader(), pkg.Size())
		if err != nil {
			return cloudapi.Code{}, "", err
		}
		full, err := d.Bucket.Key(key)
		if err != nil {
			return cloudapi.Code{}, "", err
		}
		return cloudapi.Code{
			CosBucketName:   d.Bucket.Bucket(),
			CosObjectName:   "/" + full,
			CosBucketRegion: d.Bucket.Region(),
		}, location, nil
	}

	if pkg.Size() > InlineLimit {
		return cloudapi.Code{}, "", fmt.Errorf("%w: %s is %s, configure [storage] bucket",
			ErrTooLarge, name, humanize.Bytes(uint64(pkg.Size())))
	}
	return cloudapi.Code{ZipFile: base64.StdEncoding.EncodeToString(pkg.Data)}, "inline", nil
}

// wait polls the function until it leaves Creating/Updating
func (d *Functions) wait(ctx context.Context, name string) (string, error) {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		fn, err := d.API.GetFunction(ctx, d.EnvID, name)
		if err != nil {
			return "", fmt.Errorf("failed to query function %s: %w", name, err)
		}

		switch fn.Status {
		case cloudapi.FunctionActive:
			return fn.Status, nil
		case cloudapi.FunctionCreateFailed, cloudapi.FunctionUpdateFailed:
			return fn.Status, fmt.Errorf("function %s is %s: %s", name, fn.Status, fn.StatusDesc)
		}

		select {
		case <-ctx.Done():
			return fn.Status, fmt.Errorf("function %s still %s: %w", name, fn.Status, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (d *Functions) emit(stage, detail string) {
	if d.Observe != nil {
		d.Observe(stage, detail)
	}
}
