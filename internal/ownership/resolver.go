package ownership

import (
	"errors"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSet      = "ownership.set"
	opSetBulk  = "ownership.set_bulk"
	opGet      = "ownership.get"
	opTransfer = "ownership.transfer"
	opCheck    = "ownership.check"
	opCount    = "ownership.owned_count"
)

// Resolver reads and writes the ownerships table.
type Resolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewResolver(db *gorm.DB, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: db, logger: logger}
}

// Set assigns owner to resource, replacing any previous owner.
func (r *Resolver) Set(dbc dbctx.Context, resource Resource, owner Owner) error {
	return r.SetBulk(dbc, []Resource{resource}, owner)
}

// SetBulk assigns owner to every resource in a single upsert.
func (r *Resolver) SetBulk(dbc dbctx.Context, resources []Resource, owner Owner) error {
	if !owner.valid() {
		return apperr.Newf(apperr.KindValidation, opSetBulk, "invalid owner %s", owner)
	}
	if len(resources) == 0 {
		return nil
	}
	rows := make([]Ownership, 0, len(resources))
	for _, resource := range resources {
		if !resource.valid() {
			return apperr.Newf(apperr.KindValidation, opSetBulk, "invalid resource %s/%s", resource.Type, resource.ID)
		}
		rows = append(rows, Ownership{
			ResourceType: resource.Type,
			ResourceID:   resource.ID,
			OwnerType:    owner.Type,
			OwnerID:      owner.ID,
		})
	}
	err := dbc.DB(r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_type"}, {Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_type", "owner_id", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		r.logger.Error("ownership upsert failed",
			zap.String("operation", opSetBulk),
			zap.String("owner", owner.String()),
			zap.Int("resources", len(rows)),
			zap.Error(err))
		return apperr.Wrap(apperr.KindInternal, opSetBulk, err)
	}
	return nil
}

// Get returns the owner of resource.
func (r *Resolver) Get(dbc dbctx.Context, resource Resource) (Owner, error) {
	var row Ownership
	err := dbc.DB(r.db).
		Where("resource_type = ? AND resource_id = ?", resource.Type, resource.ID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Owner{}, apperr.Newf(apperr.KindNotFound, opGet, "%s %s has no owner", resource.Type, resource.ID)
	}
	if err != nil {
		return Owner{}, apperr.Wrap(apperr.KindInternal, opGet, err)
	}
	return row.Owner(), nil
}

// Delete removes the ownership rows of resources.
func (r *Resolver) Delete(dbc dbctx.Context, resourceType ResourceType, resourceIDs []string) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	return dbc.DB(r.db).
		Where("resource_type = ? AND resource_id IN ?", resourceType, resourceIDs).
		Delete(&Ownership{}).Error
}

// Transfer moves every resource held by from to to and reports how many moved.
func (r *Resolver) Transfer(dbc dbctx.Context, from, to Owner) (int64, error) {
	if !from.valid() || !to.valid() {
		return 0, apperr.New(apperr.KindValidation, opTransfer, "both owners are required")
	}
	res := dbc.DB(r.db).Model(&Ownership{}).
		Where("owner_type = ? AND owner_id = ?", from.Type, from.ID).
		Updates(map[string]any{
			"owner_type": to.Type,
			"owner_id":   to.ID,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, apperr.Wrap(apperr.KindInternal, opTransfer, res.Error)
	}
	return res.RowsAffected, nil
}

// OwnedCount reports how many resources owner holds.
func (r *Resolver) OwnedCount(dbc dbctx.Context, owner Owner) (int64, error) {
	var count int64
	err := dbc.DB(r.db).Model(&Ownership{}).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Count(&count).Error
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, opCount, err)
	}
	return count, nil
}

// Check reports whether userID may act on resource: either the user owns it or
// belongs to the owning group.
func (r *Resolver) Check(dbc dbctx.Context, userID string, resource Resource) (bool, error) {
	owner, err := r.Get(dbc, resource)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch owner.Type {
	case OwnerUser:
		return owner.ID == userID, nil
	case OwnerGroup:
		ok, err := users.IsMember(dbc.DB(r.db), userID, owner.ID)
		if err != nil {
			return false, apperr.Wrap(apperr.KindInternal, opCheck, err)
		}
		return ok, nil
	}
	return false, nil
}

// Require is Check that fails with AccessDenied, or NotFound when the resource is unowned.
func (r *Resolver) Require(dbc dbctx.Context, userID string, resource Resource) error {
	owner, err := r.Get(dbc, resource)
	if err != nil {
		return err
	}
	allowed := owner.Type == OwnerUser && owner.ID == userID
	if owner.Type == OwnerGroup {
		allowed, err = users.IsMember(dbc.DB(r.db), userID, owner.ID)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, opCheck, err)
		}
	}
	if !allowed {
		r.logger.Info("access denied",
			zap.String("operation", opCheck),
			zap.String("user_id", userID),
			zap.String("resource_type", string(resource.Type)),
			zap.String("resource_id", resource.ID))
		return apperr.Newf(apperr.KindAccessDenied, opCheck, "%s %s is not accessible", resource.Type, resource.ID)
	}
	return nil
}

// CountOwned adapts OwnedCount to users.ResourceLedger.
func (r *Resolver) CountOwned(dbc dbctx.Context, ownerType, ownerID string) (int64, error) {
	return r.OwnedCount(dbc, Owner{Type: OwnerType(ownerType), ID: ownerID})
}

// TransferAll adapts Transfer to users.ResourceLedger.
func (r *Resolver) TransferAll(dbc dbctx.Context, fromType, fromID, toType, toID string) (int64, error) {
	return r.Transfer(dbc, Owner{Type: OwnerType(fromType), ID: fromID}, Owner{Type: OwnerType(toType), ID: toID})
}

var _ users.ResourceLedger = (*Resolver)(nil)
