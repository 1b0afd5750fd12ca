package bulk

import (
	"regexp"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
)

// doesNotExistPattern matches the server's "does not exist" fault message
// shape and captures the referenced entity's logical name and id, e.g.
// `systemuser With Id = 3da2...-... Does Not Exist`.
var doesNotExistPattern = regexp.MustCompile(`(?i)(\w+)\s+with\s+id\s*=?\s*([0-9a-fA-F-]{8,})\s+does not exist`)

// classifiedFromMessage maps the referenced entity kind named by a "does
// not exist" fault to MissingUser (systemuser), MissingTeam (team) or
// MissingReference (any other entity); an empty name gives Uncategorized.
func classifiedFromMessage(msg, referencedEntity string) errorcodes.Pattern {
	switch referencedEntity {
	case "systemuser":
		return errorcodes.MissingUser
	case "team":
		return errorcodes.MissingTeam
	case "":
		return errorcodes.Uncategorized
	default:
		return errorcodes.MissingReference
	}
}

// extractDiagnostic scans row for the field whose value equals the
// referenced id captured from the fault message, so the diagnostic names
// which field in the row held the dangling reference (§4.5).
func extractDiagnostic(rowIndex int, row platform.Row, fault *platform.Fault) (*Diagnostic, errorcodes.Pattern) {
	if fault == nil {
		return nil, errorcodes.Uncategorized
	}
	m := doesNotExistPattern.FindStringSubmatch(fault.Message)
	if m == nil {
		return nil, classifyNonReferenceFault(fault)
	}

	referencedEntity, referencedID := m[1], m[2]
	pattern := classifiedFromMessage(fault.Message, referencedEntity)

	for field, value := range row {
		if s, ok := value.(string); ok && s == referencedID {
			return &Diagnostic{
				RowIndex:         rowIndex,
				FieldName:        field,
				ReferencedEntity: referencedEntity,
				ReferencedID:     referencedID,
			}, pattern
		}
	}

	// Id referenced but not found verbatim in this row: still report the
	// classification, just without a field-level diagnostic.
	return nil, pattern
}

var (
	duplicatePattern  = regexp.MustCompile(`(?i)duplicate`)
	permissionPattern = regexp.MustCompile(`(?i)(access is denied|permission|privilege)`)
	requiredPattern   = regexp.MustCompile(`(?i)(required field|is required|cannot be (null|empty))`)
	parentPattern     = regexp.MustCompile(`(?i)parent\w*\s+does not exist`)
)

// classifyNonReferenceFault covers the remaining closed-set patterns that
// aren't "does not exist" shaped.
func classifyNonReferenceFault(fault *platform.Fault) errorcodes.Pattern {
	msg := fault.Message
	switch {
	case parentPattern.MatchString(msg):
		return errorcodes.MissingParent
	case duplicatePattern.MatchString(msg):
		return errorcodes.DuplicateRecord
	case permissionPattern.MatchString(msg):
		return errorcodes.PermissionDenied
	case requiredPattern.MatchString(msg):
		return errorcodes.RequiredField
	default:
		return errorcodes.Uncategorized
	}
}
