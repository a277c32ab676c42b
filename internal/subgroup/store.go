package subgroup

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

var header = []string{"subgroup_id", "subgroup_name", "description", "group_ids", "created_at", "updated_at"}

// Subgroup is a named, ordered list of recipients.
type Subgroup struct {
	ID          string   `json:"subgroup_id"`
	Name        string   `json:"subgroup_name"`
	Description string   `json:"description"`
	GroupIDs    []string `json:"group_ids"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// Patch holds optional field updates; nil leaves a field unchanged.
type Patch struct {
	Name        *string
	Description *string
	GroupIDs    []string
}

// Store keeps subgroups in a CSV file, fully rewritten on each change.
type Store struct {
	path  string
	log   logx.Logger
	clock schedule.Clock

	mu sync.Mutex
}

func New(path string, log logx.Logger, clock schedule.Clock) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &Store{path: strings.TrimSpace(path), log: log.Named("subgroup"), clock: clock}
}

func (s *Store) List(ctx context.Context) ([]Subgroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) Get(ctx context.Context, id string) (Subgroup, error) {
	all, err := s.List(ctx)
	if err != nil {
		return Subgroup{}, err
	}
	for _, sg := range all {
		if sg.ID == id {
			return sg, nil
		}
	}
	return Subgroup{}, &schedule.NotFoundError{What: "subgroup", ID: id}
}

// Resolve returns the subgroup's recipients in stored order.
func (s *Store) Resolve(ctx context.Context, id string) ([]string, error) {
	sg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sg.GroupIDs, nil
}

func (s *Store) Create(ctx context.Context, name, description string, groupIDs []string) (Subgroup, error) {
	name = strings.TrimSpace(name)
	ids := cleanIDs(groupIDs)
	if name == "" {
		return Subgroup{}, &schedule.ValidationError{Field: "name", Reason: "name is required"}
	}
	if len(ids) == 0 {
		return Subgroup{}, &schedule.ValidationError{Field: "group_ids", Reason: "at least one group id is required"}
	}
	now := s.now()
	sg := Subgroup{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		GroupIDs:    ids,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.mutate(ctx, func(all []Subgroup) ([]Subgroup, error) {
		return append(all, sg), nil
	})
	if err != nil {
		return Subgroup{}, err
	}
	s.log.Info("subgroup created", logx.String("id", sg.ID), logx.String("name", sg.Name), logx.Int("groups", len(ids)))
	return sg, nil
}

func (s *Store) Update(ctx context.Context, id string, p Patch) (Subgroup, error) {
	var out Subgroup
	err := s.mutate(ctx, func(all []Subgroup) ([]Subgroup, error) {
		for i := range all {
			if all[i].ID != id {
				continue
			}
			if p.Name != nil {
				name := strings.TrimSpace(*p.Name)
				if name == "" {
					return nil, &schedule.ValidationError{Field: "name", Reason: "name must not be empty"}
				}
				all[i].Name = name
			}
			if p.Description != nil {
				all[i].Description = *p.Description
			}
			if p.GroupIDs != nil {
				all[i].GroupIDs = cleanIDs(p.GroupIDs)
			}
			all[i].UpdatedAt = s.now()
			out = all[i]
			return all, nil
		}
		return nil, &schedule.NotFoundError{What: "subgroup", ID: id}
	})
	return out, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, func(all []Subgroup) ([]Subgroup, error) {
		for i := range all {
			if all[i].ID == id {
				return append(all[:i], all[i+1:]...), nil
			}
		}
		return nil, &schedule.NotFoundError{What: "subgroup", ID: id}
	})
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) mutate(ctx context.Context, fn func([]Subgroup) ([]Subgroup, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	next, err := fn(all)
	if err != nil {
		return err
	}
	return s.write(next)
}

func (s *Store) read() ([]Subgroup, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Subgroup{}, nil
	}
	if err != nil {
		return nil, &schedule.StorageError{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	head, err := cr.Read()
	if err == io.EOF {
		return []Subgroup{}, nil
	}
	if err != nil {
		return nil, &schedule.StorageError{Op: "parse", Path: s.path, Err: err}
	}
	col := map[string]int{}
	for i, h := range head {
		col[strings.TrimSpace(h)] = i
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	out := []Subgroup{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &schedule.StorageError{Op: "parse", Path: s.path, Err: err}
		}
		out = append(out, Subgroup{
			ID:          get(rec, "subgroup_id"),
			Name:        get(rec, "subgroup_name"),
			Description: get(rec, "description"),
			GroupIDs:    cleanIDs(strings.Split(get(rec, "group_ids"), ",")),
			CreatedAt:   get(rec, "created_at"),
			UpdatedAt:   get(rec, "updated_at"),
		})
	}
	return out, nil
}

func (s *Store) write(all []Subgroup) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write(header)
	for _, sg := range all {
		_ = cw.Write([]string{sg.ID, sg.Name, sg.Description, strings.Join(sg.GroupIDs, ","), sg.CreatedAt, sg.UpdatedAt})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return &schedule.StorageError{Op: "encode", Path: s.path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &schedule.StorageError{Op: "mkdir", Path: s.path, Err: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return &schedule.StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &schedule.StorageError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}

func cleanIDs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
