package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RuleSource is where rule definitions come from.
type RuleSource interface {
	// ListAll returns every rule the source knows about.
	ListAll(ctx context.Context) ([]RuleDocument, error)

	// FetchOne returns a single rule. A missing rule yields ErrRuleNotFound.
	FetchOne(ctx context.Context, id string) (RuleDocument, error)
}

// contentVersion derives a version string from rule content for sources that
// do not track versions themselves.
func contentVersion(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:6])
}

// definitionHeader is the subset of Definition used for metadata.
type definitionHeader struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Tags      []string `json:"tags"`
	DependsOn []string `json:"dependsOn"`
}

// documentFromContent builds a document from raw definition bytes, taking
// name, version, tags and dependencies from the body where meta lacks them.
func documentFromContent(meta RuleMetadata, content []byte) (RuleDocument, error) {
	var hdr definitionHeader
	if err := json.Unmarshal(content, &hdr); err != nil {
		return RuleDocument{}, fmt.Errorf("malformed rule definition: %w", err)
	}
	meta = mergeDefinitionMetadata(meta, &Definition{
		Name:      hdr.Name,
		Version:   hdr.Version,
		Tags:      hdr.Tags,
		DependsOn: hdr.DependsOn,
	})
	if meta.Version == "" {
		meta.Version = contentVersion(content)
	}
	meta.Tags = normalizeTags(meta.Tags)
	return RuleDocument{Metadata: meta, Content: content}, nil
}
