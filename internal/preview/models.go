package preview

// ChangeType classifies a file change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Operation tags a Change with what the caller intends to do.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Change is one proposed file change. A nil Original means the file does
// not exist yet; a nil New means the file goes away. An empty non-nil
// slice is an empty file.
type Change struct {
	FilePath  string    `json:"file_path"`
	Original  []byte    `json:"-"`
	New       []byte    `json:"-"`
	Operation Operation `json:"operation"`
}

// Summary aggregates a preview.
type Summary struct {
	TotalFiles    int `json:"total_files"`
	NewFiles      int `json:"new_files"`
	ModifiedFiles int `json:"modified_files"`
	DeletedFiles  int `json:"deleted_files"`
	AddedLines    int `json:"added_lines"`
	RemovedLines  int `json:"removed_lines"`
}

// FileDiff is the rendered change of one file.
type FileDiff struct {
	FilePath   string     `json:"file_path"`
	ChangeType ChangeType `json:"change_type"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	IsBinary   bool       `json:"is_binary"`
	DiffText   string     `json:"diff_text"`
}

// Issue severities.
const (
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Issue types.
const (
	IssueHardcodedSecret = "hardcoded_secret"
	IssueDynamicCode     = "dynamic_code_execution"
	IssueBinaryChange    = "binary_change"
)

// Issue is a potential problem found in new content.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	FilePath string `json:"file_path,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// ChangePreview is the outcome of previewing a set of changes.
type ChangePreview struct {
	Operation       string     `json:"operation"`
	Summary         Summary    `json:"summary"`
	Diffs           []FileDiff `json:"diffs"`
	PotentialIssues []Issue    `json:"potential_issues"`
	Recommendations []string   `json:"recommendations"`
}
