package ownership

import "time"

type ResourceType string

const (
	ResourceNode         ResourceType = "node"
	ResourceCustomField  ResourceType = "custom_field"
	ResourceDocumentType ResourceType = "document_type"
	ResourceTag          ResourceType = "tag"
)

type OwnerType string

const (
	OwnerUser  OwnerType = "user"
	OwnerGroup OwnerType = "group"
)

// Owner is the (type, id) pair controlling a resource.
type Owner struct {
	Type OwnerType
	ID   string
}

func User(id string) Owner {
	return Owner{Type: OwnerUser, ID: id}
}

func Group(id string) Owner {
	return Owner{Type: OwnerGroup, ID: id}
}

func (o Owner) valid() bool {
	return (o.Type == OwnerUser || o.Type == OwnerGroup) && o.ID != ""
}

func (o Owner) String() string {
	return string(o.Type) + ":" + o.ID
}

type Resource struct {
	Type ResourceType
	ID   string
}

func (r Resource) valid() bool {
	switch r.Type {
	case ResourceNode, ResourceCustomField, ResourceDocumentType, ResourceTag:
		return r.ID != ""
	}
	return false
}

// Ownership maps one resource to its single owner.
type Ownership struct {
	ResourceType ResourceType `gorm:"column:resource_type;primaryKey;size:32"`
	ResourceID   string       `gorm:"column:resource_id;primaryKey;size:36"`
	OwnerType    OwnerType    `gorm:"column:owner_type;size:16;not null;index:idx_ownership_owner"`
	OwnerID      string       `gorm:"column:owner_id;size:36;not null;index:idx_ownership_owner"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

func (Ownership) TableName() string {
	return "ownerships"
}

func (o Ownership) Owner() Owner {
	return Owner{Type: o.OwnerType, ID: o.OwnerID}
}

func Models() []any {
	return []any{&Ownership{}}
}
