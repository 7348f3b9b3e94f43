// Package seed provisions users, groups, custom fields and document types
// from a YAML file. Applying the same file twice creates nothing new.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/customfields"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is the seed document.
type File struct {
	Users         []UserSpec         `yaml:"users"`
	Groups        []GroupSpec        `yaml:"groups"`
	CustomFields  []FieldSpec        `yaml:"custom_fields"`
	DocumentTypes []DocumentTypeSpec `yaml:"document_types"`
}

type UserSpec struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
}

type GroupSpec struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// OwnerRef names exactly one of a user or a group by name.
type OwnerRef struct {
	User  string `yaml:"user"`
	Group string `yaml:"group"`
}

type FieldSpec struct {
	Owner  OwnerRef              `yaml:"owner"`
	Name   string                `yaml:"name"`
	Type   customfields.TypeName `yaml:"type"`
	Config customfields.Config   `yaml:"config"`
}

type DocumentTypeSpec struct {
	Owner        OwnerRef `yaml:"owner"`
	Name         string   `yaml:"name"`
	Fields       []string `yaml:"fields"`
	PathTemplate string   `yaml:"path_template"`
}

// Report counts what Apply created.
type Report struct {
	Users         int
	Groups        int
	CustomFields  int
	DocumentTypes int
}

// Load reads and parses a seed file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse seed: %w", err)
	}
	return file, nil
}

type Config struct {
	Users        *users.Service
	Documents    *documents.Service
	CustomFields *customfields.Service
	Logger       *zap.Logger
}

type Seeder struct {
	users  *users.Service
	docs   *documents.Service
	fields *customfields.Service
	logger *zap.Logger
}

func New(cfg Config) (*Seeder, error) {
	if cfg.Users == nil || cfg.Documents == nil || cfg.CustomFields == nil {
		return nil, errors.New("seed: users, documents and custom fields services are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{users: cfg.Users, docs: cfg.Documents, fields: cfg.CustomFields, logger: logger}, nil
}

// Apply creates whatever the file names that does not exist yet. Users get
// their home and inbox folders. Existing entries are left untouched.
func (s *Seeder) Apply(ctx context.Context, file File) (Report, error) {
	var report Report
	for _, spec := range file.Users {
		user, created, err := s.ensureUser(ctx, spec)
		if err != nil {
			return report, err
		}
		if created {
			report.Users++
		}
		if _, _, err := s.docs.EnsureHome(ctx, ownership.User(user.ID)); err != nil {
			return report, fmt.Errorf("seed home of %s: %w", user.Username, err)
		}
	}
	for _, spec := range file.Groups {
		created, err := s.ensureGroup(ctx, spec)
		if err != nil {
			return report, err
		}
		if created {
			report.Groups++
		}
	}
	for _, spec := range file.CustomFields {
		created, err := s.ensureField(ctx, spec)
		if err != nil {
			return report, err
		}
		if created {
			report.CustomFields++
		}
	}
	for _, spec := range file.DocumentTypes {
		created, err := s.ensureDocumentType(ctx, spec)
		if err != nil {
			return report, err
		}
		if created {
			report.DocumentTypes++
		}
	}
	s.logger.Info("seed applied",
		zap.Int("users", report.Users),
		zap.Int("groups", report.Groups),
		zap.Int("custom_fields", report.CustomFields),
		zap.Int("document_types", report.DocumentTypes),
	)
	return report, nil
}

func (s *Seeder) ensureUser(ctx context.Context, spec UserSpec) (users.User, bool, error) {
	existing, err := s.users.FindUserByUsername(ctx, spec.Username)
	if err == nil {
		return existing, false, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return users.User{}, false, err
	}
	user, err := s.users.CreateUser(ctx, spec.Username, spec.Email)
	if err != nil {
		return users.User{}, false, fmt.Errorf("seed user %q: %w", spec.Username, err)
	}
	return user, true, nil
}

func (s *Seeder) ensureGroup(ctx context.Context, spec GroupSpec) (bool, error) {
	created := false
	group, err := s.users.FindGroupByName(ctx, spec.Name)
	if apperr.Is(err, apperr.KindNotFound) {
		group, err = s.users.CreateGroup(ctx, spec.Name)
		created = err == nil
	}
	if err != nil {
		return false, fmt.Errorf("seed group %q: %w", spec.Name, err)
	}
	for _, username := range spec.Members {
		member, err := s.users.FindUserByUsername(ctx, username)
		if err != nil {
			return created, fmt.Errorf("seed group %q member %q: %w", spec.Name, username, err)
		}
		if err := s.users.AddMember(ctx, group.ID, member.ID); err != nil {
			return created, fmt.Errorf("seed group %q member %q: %w", spec.Name, username, err)
		}
	}
	return created, nil
}

func (s *Seeder) ensureField(ctx context.Context, spec FieldSpec) (bool, error) {
	owner, err := s.resolveOwner(ctx, spec.Owner)
	if err != nil {
		return false, fmt.Errorf("seed field %q: %w", spec.Name, err)
	}
	_, err = s.fields.FindFieldByName(ctx, owner, spec.Name)
	if err == nil {
		return false, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return false, err
	}
	if _, err := s.fields.CreateField(ctx, owner, spec.Name, spec.Type, spec.Config); err != nil {
		return false, fmt.Errorf("seed field %q: %w", spec.Name, err)
	}
	return true, nil
}

func (s *Seeder) ensureDocumentType(ctx context.Context, spec DocumentTypeSpec) (bool, error) {
	owner, err := s.resolveOwner(ctx, spec.Owner)
	if err != nil {
		return false, fmt.Errorf("seed document type %q: %w", spec.Name, err)
	}
	_, err = s.fields.FindDocumentTypeByName(ctx, owner, spec.Name)
	if err == nil {
		return false, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return false, err
	}
	fieldIDs := make([]string, 0, len(spec.Fields))
	for _, name := range spec.Fields {
		field, err := s.fields.FindFieldByName(ctx, owner, name)
		if err != nil {
			return false, fmt.Errorf("seed document type %q field %q: %w", spec.Name, name, err)
		}
		fieldIDs = append(fieldIDs, field.ID)
	}
	if _, err := s.fields.CreateDocumentType(ctx, owner, spec.Name, fieldIDs, spec.PathTemplate); err != nil {
		return false, fmt.Errorf("seed document type %q: %w", spec.Name, err)
	}
	return true, nil
}

func (s *Seeder) resolveOwner(ctx context.Context, ref OwnerRef) (ownership.Owner, error) {
	switch {
	case ref.User != "" && ref.Group != "":
		return ownership.Owner{}, errors.New("owner must name a user or a group, not both")
	case ref.User != "":
		user, err := s.users.FindUserByUsername(ctx, ref.User)
		if err != nil {
			return ownership.Owner{}, err
		}
		return ownership.User(user.ID), nil
	case ref.Group != "":
		group, err := s.users.FindGroupByName(ctx, ref.Group)
		if err != nil {
			return ownership.Owner{}, err
		}
		return ownership.Group(group.ID), nil
	}
	return ownership.Owner{}, errors.New("owner is required")
}
