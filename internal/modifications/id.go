package modifications

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const idSuffixLength = 9

// IDProvider issues random identifier material.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// recordID formats userId_createdAtMillis_suffix. The suffix is taken from the
// random tail of the provider's identifier.
func recordID(userID UserID, createdAtMillis int64, random string) string {
	compact := strings.ReplaceAll(random, "-", "")
	if len(compact) > idSuffixLength {
		compact = compact[len(compact)-idSuffixLength:]
	}
	return userID.String() + "_" + strconv.FormatInt(createdAtMillis, 10) + "_" + compact
}
