package ids

import "github.com/google/uuid"

// Provider issues entity identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// OrDefault returns p, or the UUIDv7 provider when p is nil.
func OrDefault(p Provider) Provider {
	if p == nil {
		return NewUUIDProvider()
	}
	return p
}
