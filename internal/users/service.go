package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"github.com/papermerge/papermerge-core-sub000/internal/database"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const (
	OwnerTypeUser  = "user"
	OwnerTypeGroup = "group"

	opDeleteUser  = "users.delete_user"
	opDeleteGroup = "users.delete_group"
	opCreate      = "users.create"
)

// ResourceLedger counts and reassigns resources held by an owner.
type ResourceLedger interface {
	CountOwned(dbc dbctx.Context, ownerType, ownerID string) (int64, error)
	TransferAll(dbc dbctx.Context, fromType, fromID, toType, toID string) (int64, error)
}

// TransferTarget names the owner that inherits resources of a deleted user or group.
type TransferTarget struct {
	OwnerType string
	OwnerID   string
}

// ServiceConfig describes the dependencies required for user management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Ledger     ResourceLedger
	Logger     *zap.Logger
}

// Service manages users, groups and identity resolution.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	ids    ids.Provider
	ledger ResourceLedger
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		ids:    ids.OrDefault(cfg.IDProvider),
		ledger: cfg.Ledger,
		logger: logger,
	}, nil
}

// ResolveUser returns the canonical user for the provided session claims.
// A user row is created the first time a provider+subject pair is seen.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (User, error) {
	provider, subject := claims.Principal()
	if subject == "" {
		return User{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		id, idErr := s.ids.NewID()
		if idErr != nil {
			return User{}, idErr
		}
		username := normalize(claims.UserDisplayName)
		if username == "" {
			username = subject
		}
		user = User{
			ID:         id,
			Username:   username,
			Email:      normalize(claims.UserEmail),
			Provider:   provider,
			Subject:    subject,
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return User{}, err
		}
	} else if err != nil {
		return User{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != user.Email {
			updates["email"] = email
		}
		_ = s.db.WithContext(ctx).Model(&User{}).
			Where("id = ?", user.ID).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, user)
	return user, nil
}

// CreateUser registers a local user.
func (s *Service) CreateUser(ctx context.Context, username, email string) (User, error) {
	username = normalize(username)
	if username == "" {
		return User{}, apperr.WithField(apperr.New(apperr.KindValidation, opCreate, "username is required"), "username")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return User{}, err
	}
	user := User{ID: id, Username: username, Email: normalize(email), Provider: "local", Subject: username, LastSeenAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return User{}, apperr.Newf(apperr.KindConflict, opCreate, "user %q already exists", username)
		}
		return User{}, err
	}
	return user, nil
}

// CreateGroup registers a group.
func (s *Service) CreateGroup(ctx context.Context, name string) (Group, error) {
	name = normalize(name)
	if name == "" {
		return Group{}, apperr.WithField(apperr.New(apperr.KindValidation, opCreate, "group name is required"), "name")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Group{}, err
	}
	group := Group{ID: id, Name: name}
	if err := s.db.WithContext(ctx).Create(&group).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return Group{}, apperr.Newf(apperr.KindConflict, opCreate, "group %q already exists", name)
		}
		return Group{}, err
	}
	return group, nil
}

func (s *Service) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.Newf(apperr.KindNotFound, "users.find", "user %q not found", username)
	}
	return user, err
}

func (s *Service) FindGroupByName(ctx context.Context, name string) (Group, error) {
	var group Group
	err := s.db.WithContext(ctx).Where("name = ?", normalize(name)).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, apperr.Newf(apperr.KindNotFound, "users.find", "group %q not found", name)
	}
	return group, err
}

// AddMember puts a user into a group. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) error {
	err := s.db.WithContext(ctx).Create(&Membership{UserID: userID, GroupID: groupID}).Error
	if database.IsUniqueViolation(err) {
		return nil
	}
	return err
}

// IsMember reports whether userID belongs to groupID.
func IsMember(db *gorm.DB, userID, groupID string) (bool, error) {
	var count int64
	err := db.Model(&Membership{}).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Count(&count).Error
	return count > 0, err
}

// GroupIDs lists the groups userID belongs to.
func GroupIDs(db *gorm.DB, userID string) ([]string, error) {
	var out []string
	err := db.Model(&Membership{}).Where("user_id = ?", userID).Pluck("group_id", &out).Error
	return out, err
}

// DeleteUser removes a user. Owned resources must first move to target, or the
// call fails with Conflict.
func (s *Service) DeleteUser(ctx context.Context, userID string, target *TransferTarget) error {
	return s.deleteOwner(ctx, opDeleteUser, OwnerTypeUser, userID, target, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&Membership{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", userID).Delete(&User{})
		if res.Error == nil && res.RowsAffected == 0 {
			return apperr.Newf(apperr.KindNotFound, opDeleteUser, "user %s not found", userID)
		}
		return res.Error
	})
}

// DeleteGroup removes a group under the same ownership rule as DeleteUser.
func (s *Service) DeleteGroup(ctx context.Context, groupID string, target *TransferTarget) error {
	return s.deleteOwner(ctx, opDeleteGroup, OwnerTypeGroup, groupID, target, func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Delete(&Membership{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", groupID).Delete(&Group{})
		if res.Error == nil && res.RowsAffected == 0 {
			return apperr.Newf(apperr.KindNotFound, opDeleteGroup, "group %s not found", groupID)
		}
		return res.Error
	})
}

func (s *Service) deleteOwner(ctx context.Context, op, ownerType, ownerID string, target *TransferTarget, remove func(tx *gorm.DB) error) error {
	if s.ledger == nil {
		return apperr.New(apperr.KindInternal, op, "resource ledger not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if target != nil {
			if target.OwnerType == ownerType && target.OwnerID == ownerID {
				return apperr.New(apperr.KindInvalidOperation, op, "cannot transfer resources to the owner being deleted")
			}
			moved, err := s.ledger.TransferAll(dbc, ownerType, ownerID, target.OwnerType, target.OwnerID)
			if err != nil {
				return err
			}
			s.logger.Info("ownership transferred before delete",
				zap.String("owner_type", ownerType),
				zap.String("owner_id", ownerID),
				zap.String("target_id", target.OwnerID),
				zap.Int64("resources", moved))
		}
		owned, err := s.ledger.CountOwned(dbc, ownerType, ownerID)
		if err != nil {
			return err
		}
		if owned > 0 {
			return apperr.Newf(apperr.KindConflict, op, "%s %s still owns %d resources", ownerType, ownerID, owned)
		}
		return remove(tx)
	})
}
