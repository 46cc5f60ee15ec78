package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
)

const (
	// Size limits
	MaxKeySize     = 1024 // 1 KB
	MaxSourceSize  = 256
	MaxTxnKeys     = 10000
	MaxQueryRanges = 1000
)

// Validator checks requests against size limits and store capabilities
type Validator struct {
	maxKeySize int
	maxTxnKeys int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize: MaxKeySize,
		maxTxnKeys: MaxTxnKeys,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxTxnKeys int) *Validator {
	return &Validator{
		maxKeySize: maxKeySize,
		maxTxnKeys: maxTxnKeys,
	}
}

// ValidateQuery checks q is well formed and supported by caps
func (v *Validator) ValidateQuery(q model.Query, caps model.Capabilities) error {
	if !caps.SupportsQuery(q.Kind) {
		return errors.UnsupportedKind("query", q.Kind)
	}

	switch q.Kind {
	case model.QueryKindKV:
		for k := range q.Keys {
			if err := v.ValidateKey(k); err != nil {
				return err
			}
		}
	case model.QueryKindRange:
		if len(q.Ranges) > MaxQueryRanges {
			return errors.InvalidArgument(fmt.Sprintf("query has too many ranges: %d > %d", len(q.Ranges), MaxQueryRanges), nil)
		}
		for i, r := range q.Ranges {
			if r.Limit < 0 {
				return errors.InvalidArgument(fmt.Sprintf("range %d has a negative limit", i), nil)
			}
		}
	case model.QueryKindStaticRange:
		if len(q.StaticRanges) > MaxQueryRanges {
			return errors.InvalidArgument(fmt.Sprintf("query has too many ranges: %d > %d", len(q.StaticRanges), MaxQueryRanges), nil)
		}
	}
	return nil
}

// ValidateMutation checks txn is well formed and its kind is accepted by caps
func (v *Validator) ValidateMutation(txn model.Txn, caps model.Capabilities) error {
	if !caps.SupportsMutation(txn.Kind) {
		return errors.UnsupportedKind("mutation", txn.Kind)
	}

	switch txn.Kind {
	case model.ResultKindKV:
		if len(txn.KV) > v.maxTxnKeys {
			return errors.ResourceExhausted("txn_keys", len(txn.KV), v.maxTxnKeys)
		}
		for k, op := range txn.KV {
			if err := v.ValidateKey(k); err != nil {
				return err
			}
			if len(op) == 0 {
				return errors.InvalidArgument(fmt.Sprintf("empty operation for key %q", k), nil)
			}
		}
	case model.ResultKindSingle:
		if len(txn.Single) == 0 {
			return errors.InvalidArgument("empty operation", nil)
		}
	case model.ResultKindRange:
		return errors.UnsupportedKind("mutation", txn.Kind)
	}
	return nil
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.InvalidKey(key[:v.maxKeySize]+"...", fmt.Sprintf("key exceeds maximum size of %d bytes", v.maxKeySize))
	}

	// Check for control characters (except tab and newline which might be intentional)
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}

	return nil
}

// ValidateSource validates a source name
func (v *Validator) ValidateSource(source string) error {
	if source == "" {
		return errors.InvalidArgument("source cannot be empty", nil)
	}
	if len(source) > MaxSourceSize {
		return errors.InvalidArgument(fmt.Sprintf("source exceeds maximum size of %d bytes", MaxSourceSize), nil)
	}
	if source == model.OtherSources {
		return errors.InvalidArgument(fmt.Sprintf("source name %q is reserved", model.OtherSources), nil)
	}
	if strings.ContainsFunc(source, unicode.IsControl) {
		return errors.InvalidArgument("source cannot contain control characters", nil)
	}
	return nil
}

// ValidateVersionRange checks every range in fr has from <= to
func (v *Validator) ValidateVersionRange(fr model.FullVersionRange) error {
	for s, r := range fr {
		if !r.Valid() {
			return errors.InvalidArgument(fmt.Sprintf("version range for %q has from %d after to %d", s, r.From, r.To), nil)
		}
	}
	return nil
}
