// Package analysis defines the domain model shared by the slidescan core:
// job keys, job states, status records, result payloads, and the error
// taxonomy used to classify pipeline failures.
package analysis

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Variant is the processing mode requested for a slide.
//
// NOTE: Variant values are part of the on-disk result layout
// (<folder>_<stem>_<variant>) and of the persisted status records.
type Variant string

const (
	VariantNormalized    Variant = "normalized"
	VariantNotNormalized Variant = "notNormalized"
)

// BaseVariant is the variant whose segmentation output other variants can
// reuse.
const BaseVariant = VariantNotNormalized

// ParseVariant parses a variant name. Matching is case-insensitive and
// accepts the dashed and underscored spellings of notNormalized.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normalized":
		return VariantNormalized, nil
	case "notnormalized", "not-normalized", "not_normalized":
		return VariantNotNormalized, nil
	default:
		return "", fmt.Errorf("%w: unknown variant %q", ErrInvalidKey, s)
	}
}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantNormalized || v == VariantNotNormalized
}

// NeedsBase reports whether the variant builds on the base variant's
// segmentation.
func (v Variant) NeedsBase() bool {
	return v != BaseVariant
}

func (v Variant) String() string {
	return string(v)
}

// keySep joins key components in the canonical form. NUL cannot appear in
// file system paths, so the canonical string is collision-free.
const keySep = "\x00"

// maxTokenLen keeps encoded tokens (plus the .json suffix) under the common
// 255 byte file name limit.
const maxTokenLen = 200

// hashedTokenPrefix marks tokens that carry a digest instead of the key.
// '.' is outside the base64url alphabet, so the two forms never overlap.
const hashedTokenPrefix = "sha256."

// JobKey identifies one logical analysis job.
//
// Two requests with equal keys refer to the same job. The zero value is
// not a valid key.
type JobKey struct {
	ContainerPath string  `json:"folder_path"`
	FileID        string  `json:"file"`
	Variant       Variant `json:"variant"`
}

// NewJobKey builds and validates a key.
func NewJobKey(containerPath, fileID string, variant Variant) (JobKey, error) {
	k := JobKey{ContainerPath: containerPath, FileID: fileID, Variant: variant}
	if err := k.Validate(); err != nil {
		return JobKey{}, err
	}
	return k, nil
}

// Validate checks that all components are present and well formed.
func (k JobKey) Validate() error {
	if strings.TrimSpace(k.ContainerPath) == "" {
		return fmt.Errorf("%w: container path is required", ErrInvalidKey)
	}
	if strings.TrimSpace(k.FileID) == "" {
		return fmt.Errorf("%w: file id is required", ErrInvalidKey)
	}
	if strings.ContainsAny(k.FileID, `/\`) {
		return fmt.Errorf("%w: file id %q must not contain path separators", ErrInvalidKey, k.FileID)
	}
	if strings.Contains(k.ContainerPath, keySep) || strings.Contains(k.FileID, keySep) {
		return fmt.Errorf("%w: key components must not contain NUL", ErrInvalidKey)
	}
	if !k.Variant.Valid() {
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidKey, k.Variant)
	}
	return nil
}

// String returns the canonical form of the key.
func (k JobKey) String() string {
	return k.ContainerPath + keySep + k.FileID + keySep + string(k.Variant)
}

// ParseJobKey reverses JobKey.String.
func ParseJobKey(canonical string) (JobKey, error) {
	parts := strings.Split(canonical, keySep)
	if len(parts) != 3 {
		return JobKey{}, fmt.Errorf("%w: malformed canonical key", ErrInvalidKey)
	}
	k := JobKey{ContainerPath: parts[0], FileID: parts[1], Variant: Variant(parts[2])}
	if err := k.Validate(); err != nil {
		return JobKey{}, err
	}
	return k, nil
}

// Encode returns a file-system-safe token for the key.
//
// Short keys are encoded reversibly (unpadded base64url). Keys whose
// encoding would exceed the file name budget are replaced by a SHA-256
// digest; the key itself must then be stored alongside the token.
func (k JobKey) Encode() string {
	canonical := k.String()
	token := base64.RawURLEncoding.EncodeToString([]byte(canonical))
	if len(token) <= maxTokenLen {
		return token
	}
	sum := sha256.Sum256([]byte(canonical))
	return hashedTokenPrefix + hex.EncodeToString(sum[:])
}

// DecodeToken reverses Encode.
//
// ok is false for digest tokens, which cannot be reversed. err is set when
// the token is neither a digest nor a valid encoded key.
func DecodeToken(token string) (key JobKey, ok bool, err error) {
	if strings.HasPrefix(token, hashedTokenPrefix) {
		return JobKey{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return JobKey{}, false, fmt.Errorf("%w: decode token: %v", ErrInvalidKey, err)
	}
	key, err = ParseJobKey(string(raw))
	if err != nil {
		return JobKey{}, false, err
	}
	return key, true, nil
}
