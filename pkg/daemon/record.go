package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelworks/dtnd/pkg/bundle"
)

// marshalBundle renders a bundle's durable metadata. Callers hold the
// bundle lock.
func marshalBundle(b *bundle.Bundle) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("daemon: encode bundle %d: %w", b.ID, err)
	}
	return data, nil
}

// decodeBundleRecord rebuilds a bundle from its durable metadata.
func decodeBundleRecord(data []byte) (*bundle.Bundle, error) {
	var b bundle.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("daemon: decode bundle record: %w", err)
	}
	if err := b.ValidateFragment(); err != nil {
		return nil, err
	}
	return &b, nil
}
