package rbac

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatYAML = "yaml"
)

// ContentType returns the MIME type of an export format
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

var userCSVHeader = []string{"username", "displayName", "email", "status", "roles"}

// DecodeUsers parses an import payload. CSV needs a header row naming at
// least "username"; roles inside one CSV cell are separated by ";".
func DecodeUsers(format string, r io.Reader) ([]UserInput, error) {
	switch format {
	case FormatJSON:
		var users []UserInput
		if err := json.NewDecoder(r).Decode(&users); err != nil {
			return nil, fmt.Errorf("%w: bad json: %v", ErrInvalid, err)
		}
		return users, nil

	case FormatYAML:
		var users []UserInput
		if err := yaml.NewDecoder(r).Decode(&users); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: bad yaml: %v", ErrInvalid, err)
		}
		return users, nil

	case FormatCSV:
		return decodeUsersCSV(r)
	}
	return nil, fmt.Errorf("%w: unknown format %s", ErrInvalid, format)
}

func decodeUsersCSV(r io.Reader) ([]UserInput, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: missing csv header: %v", ErrInvalid, err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	if _, ok := col["username"]; !ok {
		return nil, fmt.Errorf("%w: csv header has no username column", ErrInvalid)
	}

	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var users []UserInput
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad csv: %v", ErrInvalid, err)
		}
		u := UserInput{
			Username:    get(rec, "username"),
			DisplayName: get(rec, "displayName"),
			Email:       get(rec, "email"),
			Status:      get(rec, "status"),
		}
		for _, role := range strings.Split(get(rec, "roles"), ";") {
			if role = strings.TrimSpace(role); role != "" {
				u.Roles = append(u.Roles, role)
			}
		}
		users = append(users, u)
	}
	return users, nil
}

// Encode writes records as json, yaml or csv. CSV is supported for users,
// roles and audit entries.
func Encode(format string, records any) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return nil, err
		}
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return nil, err
		}
		enc.Close()
	case FormatCSV:
		header, rows, err := csvRows(records)
		if err != nil {
			return nil, err
		}
		w := csv.NewWriter(&buf)
		w.Write(header)
		w.WriteAll(rows)
		if err := w.Error(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %s", ErrInvalid, format)
	}
	return buf.Bytes(), nil
}

func csvRows(records any) ([]string, [][]string, error) {
	var rows [][]string
	switch recs := records.(type) {
	case []User:
		for _, u := range recs {
			rows = append(rows, []string{u.Username, u.DisplayName, u.Email, u.Status, strings.Join(u.Roles, ";")})
		}
		return userCSVHeader, rows, nil
	case []Role:
		for _, r := range recs {
			rows = append(rows, []string{r.Name, r.Description, strings.Join(r.Permissions, ";"), fmt.Sprint(r.Builtin), fmt.Sprint(r.UserCount)})
		}
		return []string{"name", "description", "permissions", "builtin", "userCount"}, rows, nil
	case []AuditEntry:
		for _, e := range recs {
			rows = append(rows, []string{e.CreatedAt.Format(time.RFC3339), e.Actor, e.Action, e.Target, e.Detail})
		}
		return []string{"createdAt", "actor", "action", "target", "detail"}, rows, nil
	}
	return nil, nil, fmt.Errorf("%w: cannot write %T as csv", ErrInvalid, records)
}
