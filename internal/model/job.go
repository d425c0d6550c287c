package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// JobType identifies the kind of work a queue job carries.
type JobType string

const (
	JobTypeDiscover   JobType = "discover"
	JobTypeClassify   JobType = "classify"
	JobTypeExport     JobType = "export"
	JobTypeRevalidate JobType = "revalidate"
)

// AllJobTypes lists every job type in a stable order.
var AllJobTypes = []JobType{JobTypeDiscover, JobTypeClassify, JobTypeExport, JobTypeRevalidate}

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// QueueJob is a durable unit of work in the priority queue.
type QueueJob struct {
	ID            string          `json:"id" db:"id"`
	Type          JobType         `json:"type" db:"type"`
	Status        JobStatus       `json:"status" db:"status"`
	Priority      int             `json:"priority" db:"priority"`
	ScheduledFor  time.Time       `json:"scheduled_for" db:"scheduled_for"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	MaxRetries    int             `json:"max_retries" db:"max_retries"`
	LockOwner     string          `json:"lock_owner,omitempty" db:"lock_owner"`
	LockExpiresAt *time.Time      `json:"lock_expires_at,omitempty" db:"lock_expires_at"`
	Result        json.RawMessage `json:"result,omitempty" db:"result"`
	Error         string          `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Payload is implemented by every typed job payload.
type Payload interface {
	JobType() JobType
	Validate() error
	// IsUrgent reports an explicit urgency flag set by the producer.
	IsUrgent() bool
}

// DiscoverPayload asks for one search term to be scraped and processed.
type DiscoverPayload struct {
	SearchTerm string   `json:"search_term"`
	Platforms  []string `json:"platforms,omitempty"`
	Urgent     bool     `json:"urgent,omitempty"`
}

func (p DiscoverPayload) JobType() JobType { return JobTypeDiscover }
func (p DiscoverPayload) IsUrgent() bool   { return p.Urgent }

// Validate checks that the search term is present.
func (p DiscoverPayload) Validate() error {
	if strings.TrimSpace(p.SearchTerm) == "" {
		return eris.New("discover payload: search_term is required")
	}
	return nil
}

// ClassifyPayload asks for one posting to be classified and recorded.
type ClassifyPayload struct {
	Company      string `json:"company"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description"`
	IsNewCompany bool   `json:"is_new_company,omitempty"`
	Urgent       bool   `json:"urgent,omitempty"`
}

func (p ClassifyPayload) JobType() JobType { return JobTypeClassify }
func (p ClassifyPayload) IsUrgent() bool   { return p.Urgent }

// Validate checks that the company and description are present.
func (p ClassifyPayload) Validate() error {
	if strings.TrimSpace(p.Company) == "" {
		return eris.New("classify payload: company is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return eris.New("classify payload: description is required")
	}
	return nil
}

var seniorTitle = regexp.MustCompile(`(?i)\b(vp|vice president|director|head of|chief|senior|sr\.?|lead|principal)\b`)

// IsSeniorTitle reports whether the posting title names a senior role.
func (p ClassifyPayload) IsSeniorTitle() bool {
	return seniorTitle.MatchString(p.Title)
}

// ExportFormat selects the export destination.
type ExportFormat string

const (
	ExportXLSX   ExportFormat = "xlsx"
	ExportNotion ExportFormat = "notion"
)

// ExportPayload asks for the tool-using part of the ledger to be exported.
type ExportPayload struct {
	Format ExportFormat `json:"format"`
	Path   string       `json:"path,omitempty"`
	Tool   ToolDetected `json:"tool,omitempty"`
	Urgent bool         `json:"urgent,omitempty"`
}

func (p ExportPayload) JobType() JobType { return JobTypeExport }
func (p ExportPayload) IsUrgent() bool   { return p.Urgent }

// Validate checks the format and its destination.
func (p ExportPayload) Validate() error {
	switch p.Format {
	case ExportXLSX:
		if strings.TrimSpace(p.Path) == "" {
			return eris.New("export payload: path is required for xlsx")
		}
	case ExportNotion:
	default:
		return eris.Errorf("export payload: unknown format %q", p.Format)
	}
	if p.Tool != "" && !p.Tool.Valid() {
		return eris.Errorf("export payload: unknown tool %q", p.Tool)
	}
	return nil
}

// RevalidatePayload asks for a ledger company to be re-verified.
type RevalidatePayload struct {
	CompanyID   int64  `json:"company_id"`
	CompanyName string `json:"company_name"`
}

func (p RevalidatePayload) JobType() JobType { return JobTypeRevalidate }
func (p RevalidatePayload) IsUrgent() bool   { return false }

// Validate checks the company reference.
func (p RevalidatePayload) Validate() error {
	if p.CompanyID <= 0 {
		return eris.New("revalidate payload: company_id is required")
	}
	if strings.TrimSpace(p.CompanyName) == "" {
		return eris.New("revalidate payload: company_name is required")
	}
	return nil
}

// DecodePayload unmarshals raw into the payload type registered for t.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case JobTypeDiscover:
		var v DiscoverPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeClassify:
		var v ClassifyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeExport:
		var v ExportPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeRevalidate:
		var v RevalidatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, eris.Errorf("model: unknown job type %q", t)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "model: decode %s payload", t)
	}
	return p, nil
}
