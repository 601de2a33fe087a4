package validate

import "sort"

// Severity of a validation issue
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes. Errors block execution; warnings do not.
const (
	CodeUnknownConnector     = "UNKNOWN_CONNECTOR"
	CodeUnknownOperation     = "UNKNOWN_OPERATION"
	CodeMissingConnection    = "MISSING_CONNECTION"
	CodeMissingRequiredParam = "MISSING_REQUIRED_PARAM"
	CodeParamTypeMismatch    = "PARAM_TYPE_MISMATCH"
	CodeUnresolvedRef        = "UNRESOLVED_REF"
	CodeCycleDetected        = "CYCLE_DETECTED"
	CodeOrphanAction         = "ORPHAN_ACTION"
	CodeDuplicateNodeID      = "DUPLICATE_NODE_ID"
	CodeDuplicateEdge        = "DUPLICATE_EDGE"
	CodeTriggerHasInput      = "TRIGGER_HAS_INPUT"
	CodeUnsupportedFanIn     = "UNSUPPORTED_FAN_IN"

	CodeUnusedOutput        = "UNUSED_OUTPUT"
	CodeLifecycleBeta       = "LIFECYCLE_BETA"
	CodeLifecycleAlpha      = "LIFECYCLE_ALPHA"
	CodeLifecycleDeprecated = "LIFECYCLE_DEPRECATED"
	CodeLargeFanOut         = "LARGE_FAN_OUT"
	CodeMissingMetadataHint = "MISSING_METADATA_HINT"
)

// Issue is one validator finding, scoped to a node-relative path so the
// UI can attach it in place
type Issue struct {
	NodeID   string   `json:"nodeId,omitempty"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
}

// Result is the validator output. Errors block execution.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// sortIssues stable-sorts by (nodeId, path, code) so UI diffs between
// successive validations stay minimal
func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Code < b.Code
	})
}
