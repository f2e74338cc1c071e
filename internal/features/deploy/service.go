package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/config"
	"cloudctl/internal/features/build"
)

// ErrInvalidService is returned for service settings the platform would reject
var ErrInvalidService = errors.New("invalid service settings")

// ServiceAPI is the slice of the management client used for service deploys
type ServiceAPI interface {
	DescribeService(ctx context.Context, envID, name string) (*cloudapi.Service, error)
	DeployService(ctx context.Context, create bool, cfg cloudapi.ServerConfig, deploy cloudapi.DeployInfo) (string, error)
}

// Services deploys [[services]] entries and follows the resulting build
type Services struct {
	API     ServiceAPI
	Tracker *build.Tracker
	EnvID   string
	BaseDir string

	// OnRunID is told the run id as soon as the platform returns it
	OnRunID func(runID string)
}

// ServiceResult describes a completed service deploy
type ServiceResult struct {
	Name    string
	Created bool
	Build   *build.Result
}

// ValidateService checks cpu, memory and instance bounds
func ValidateService(svc config.Service) error {
	if svc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidService)
	}
	if svc.Port < 1 || svc.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidService, svc.Port)
	}
	if svc.CPU <= 0 || svc.CPU > 16 {
		return fmt.Errorf("%w: cpu %.2f must be in (0, 16]", ErrInvalidService, svc.CPU)
	}
	if svc.MemGB < svc.CPU || svc.MemGB > svc.CPU*8 {
		return fmt.Errorf("%w: mem %.2fGB must be 1-8x cpu", ErrInvalidService, svc.MemGB)
	}
	if svc.MinInstances < 0 || svc.MaxInstances < 1 || svc.MinInstances > svc.MaxInstances {
		return fmt.Errorf("%w: instances must satisfy 0 <= min <= max, max >= 1", ErrInvalidService)
	}
	return nil
}

// Deploy uploads the service directory, creates or updates the service and
// polls the triggered build.
func (d *Services) Deploy(ctx context.Context, svc config.Service) (*ServiceResult, error) {
	if err := ValidateService(svc); err != nil {
		return nil, err
	}

	created := false
	if _, err := d.API.DescribeService(ctx, d.EnvID, svc.Name); err != nil {
		if !cloudapi.IsNotFound(err) {
			return nil, fmt.Errorf("failed to look up service %s: %w", svc.Name, err)
		}
		created = true
	}

	dir := svc.Dir
	if !filepath.IsAbs(dir) && d.BaseDir != "" {
		dir = filepath.Join(d.BaseDir, dir)
	}
	info, err := d.Tracker.Upload(ctx, dir, svc.Ignore, svc.Name)
	if err != nil {
		return nil, err
	}

	envParams := ""
	if len(svc.Env) > 0 {
		b, err := json.Marshal(svc.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode env of %s: %w", svc.Name, err)
		}
		envParams = string(b)
	}

	cfg := cloudapi.ServerConfig{
		EnvID:      d.EnvID,
		ServerName: svc.Name,
		Port:       svc.Port,
		CPU:        svc.CPU,
		Mem:        svc.MemGB,
		MinNum:     svc.MinInstances,
		MaxNum:     svc.MaxInstances,
		Dockerfile: svc.Dockerfile,
		EnvParams:  envParams,
	}
	runID, err := d.API.DeployService(ctx, created, cfg, cloudapi.DeployInfo{
		DeployType:     "package",
		PackageName:    info.PackageName,
		PackageVersion: info.PackageVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deploy service %s: %w", svc.Name, err)
	}
	if d.OnRunID != nil {
		d.OnRunID(runID)
	}

	result := &ServiceResult{Name: svc.Name, Created: created}
	if runID == "" {
		return result, nil
	}
	result.Build, err = d.Tracker.Poll(ctx, runID)
	return result, err
}
