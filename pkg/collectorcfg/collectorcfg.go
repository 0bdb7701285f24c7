// Package collectorcfg validates collector configuration documents, extracts
// the optional SCPTAG label, and computes the content hash used for drift
// detection. After validation the document is treated as opaque bytes.
package collectorcfg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ValidationResult is the outcome of validating one candidate document
type ValidationResult struct {
	Valid   bool
	Message string
	Tag     string
	Hash    string
}

var tagPattern = regexp.MustCompile(`SCPTAG:\s*([A-Za-z0-9._-]+)`)

var validGroupRelations = map[string]bool{"or": true, "and": true}

// Validate checks that the document is well-formed XML with the expected rule
// schema shape, and extracts the tag and hash. The hash is computed over the
// exact bytes regardless of validity.
func Validate(content []byte) ValidationResult {
	res := ValidationResult{Hash: Hash(content)}

	root, tag, err := parse(content)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Tag = tag

	if root.name != "Sysmon" {
		res.Message = fmt.Sprintf("unexpected root element <%s>, expected <Sysmon>", root.name)
		return res
	}
	if root.schemaVersion == "" {
		res.Message = "root element is missing the schemaversion attribute"
		return res
	}
	if !root.hasEventFiltering {
		res.Message = "document has no <EventFiltering> section"
		return res
	}
	for _, rel := range root.groupRelations {
		if !validGroupRelations[strings.ToLower(rel)] {
			res.Message = fmt.Sprintf("invalid RuleGroup groupRelation %q, expected or|and", rel)
			return res
		}
	}

	res.Valid = true
	res.Message = fmt.Sprintf("valid collector configuration (schema %s)", root.schemaVersion)
	return res
}

// Hash returns the hex SHA-256 of the exact document bytes
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ExtractTag returns the SCPTAG label from the document, or ""
func ExtractTag(content []byte) string {
	_, tag, _ := parse(content)
	if tag != "" {
		return tag
	}
	// Fall back to a plain text search so a tag survives even in a document
	// that fails to parse.
	if m := tagPattern.FindSubmatch(content); m != nil {
		return string(m[1])
	}
	return ""
}

type documentShape struct {
	name              string
	schemaVersion     string
	hasEventFiltering bool
	groupRelations    []string
}

func parse(content []byte) (*documentShape, string, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	shape := &documentShape{}
	tag := ""

	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, tag, fmt.Errorf("malformed XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				shape.name = t.Name.Local
				for _, a := range t.Attr {
					if strings.EqualFold(a.Name.Local, "schemaversion") {
						shape.schemaVersion = a.Value
					}
				}
			case depth == 2 && t.Name.Local == "EventFiltering":
				shape.hasEventFiltering = true
			case t.Name.Local == "RuleGroup":
				for _, a := range t.Attr {
					if a.Name.Local == "groupRelation" {
						shape.groupRelations = append(shape.groupRelations, a.Value)
					}
				}
			}
		case xml.EndElement:
			depth--
		case xml.Comment:
			if tag == "" {
				if m := tagPattern.FindSubmatch(t); m != nil {
					tag = string(m[1])
				}
			}
		}
	}
	if shape.name == "" {
		return nil, tag, fmt.Errorf("document has no root element")
	}
	return shape, tag, nil
}
