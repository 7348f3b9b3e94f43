package ownership

import (
	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
)

const opUnique = "ownership.ensure_unique"

// Scope narrows a uniqueness check to rows sharing a column value. A nil Value matches NULL.
type Scope struct {
	Column string
	Value  any
}

// UniqueName describes a case-insensitive "unique per owner" rule. No single
// index can express it, so it is checked through the ownerships join.
type UniqueName struct {
	Table        string
	Column       string
	ResourceType ResourceType
	Owner        Owner
	Value        string
	ExcludeID    string
	Scopes       []Scope
}

// EnsureUnique fails with Conflict when another resource of the same owner
// already uses the value.
func (r *Resolver) EnsureUnique(dbc dbctx.Context, rule UniqueName) error {
	query := dbc.DB(r.db).
		Table(rule.Table+" AS t").
		Joins("JOIN ownerships o ON o.resource_type = ? AND o.resource_id = t.id", rule.ResourceType).
		Where("LOWER(t."+rule.Column+") = LOWER(?)", rule.Value).
		Where("o.owner_type = ? AND o.owner_id = ?", rule.Owner.Type, rule.Owner.ID)
	if rule.ExcludeID != "" {
		query = query.Where("t.id <> ?", rule.ExcludeID)
	}
	for _, scope := range rule.Scopes {
		if isNil(scope.Value) {
			query = query.Where("t." + scope.Column + " IS NULL")
			continue
		}
		query = query.Where("t."+scope.Column+" = ?", scope.Value)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, opUnique, err)
	}
	if count > 0 {
		return apperr.WithField(
			apperr.Newf(apperr.KindConflict, opUnique, "%s %q already exists", rule.ResourceType, rule.Value),
			rule.Column)
	}
	return nil
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	if p, ok := value.(*string); ok {
		return p == nil
	}
	return false
}
