package api

// MediaType selects how a project's media is presented to annotators.
type MediaType string

const (
	// MediaImages marks a project whose media is a folder of images.
	MediaImages MediaType = "I"
	// MediaVideo marks a project whose media is a single video.
	MediaVideo MediaType = "V"
)

// MarkingScope says how a class is applied to media.
type MarkingScope string

const (
	ScopeTags     MarkingScope = "T"
	ScopeObjects  MarkingScope = "O"
	ScopeSegments MarkingScope = "S"
)

// Project is a project definition, stored under its project id.
type Project struct {
	// Title is the display title.
	Title string `json:"title"`
	// MediaType is "I" for image folders or "V" for video. Defaults to "V".
	MediaType MediaType `json:"mediaType"`
	// VideoPath locates the video for video projects.
	VideoPath string `json:"videoPath"`
	// ImagesFolderPath locates the images for image projects.
	ImagesFolderPath string `json:"imagesFolderPath"`
	// Classes lists the marking classes annotators can apply.
	Classes []MarkingClass `json:"classes"`
	// TagMarkingOptions groups tag classes into selectable options.
	TagMarkingOptions []TagMarkingOption `json:"tagMarkingOptions"`
}

// MarkingClass is one class annotators can apply.
type MarkingClass struct {
	ClassID      string       `json:"classID"`
	DefaultTitle string       `json:"defaultTitle"`
	Scope        MarkingScope `json:"scope"`
}

// TagMarkingOption groups tag classes under one question.
type TagMarkingOption struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	AdditionalInfo string   `json:"additionalInfo"`
	ClassIDs       []string `json:"classIDs"`
	IsSingleChoice bool     `json:"isSingleChoice"`
}

// Normalize fills defaults so a decoded project always has a media type and
// non-nil slices.
func (p *Project) Normalize() {
	if p.MediaType == "" {
		p.MediaType = MediaVideo
	}
	if p.Classes == nil {
		p.Classes = []MarkingClass{}
	}
	if p.TagMarkingOptions == nil {
		p.TagMarkingOptions = []TagMarkingOption{}
	}
	for i := range p.TagMarkingOptions {
		if p.TagMarkingOptions[i].ClassIDs == nil {
			p.TagMarkingOptions[i].ClassIDs = []string{}
		}
	}
}

// MarkingData is the annotation set for one media item, stored under the
// compound key projectId|mediaId.
type MarkingData struct {
	// TaggedClassIDs lists the tag classes applied to the media item.
	TaggedClassIDs []string `json:"taggedClassIDs"`
	// BoxMarkings lists the bounding boxes drawn on the media item.
	BoxMarkings []BoxMarking `json:"boxMarkings"`
}

// BoxMarking is a bounding box given by two corner points.
type BoxMarking struct {
	ClassID string     `json:"classID"`
	First   [2]float64 `json:"first"`
	Second  [2]float64 `json:"second"`
}

// Normalize replaces missing arrays with empty ones.
func (m *MarkingData) Normalize() {
	if m.TaggedClassIDs == nil {
		m.TaggedClassIDs = []string{}
	}
	if m.BoxMarkings == nil {
		m.BoxMarkings = []BoxMarking{}
	}
}

// Identity is an annotator account. It is written by the importer and never
// served over HTTP.
type Identity struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	ScreenName   string `json:"screenName"`
}

// KeyValue is the envelope used by list and get responses.
type KeyValue[T any] struct {
	Key   string `json:"key"`
	Value T      `json:"value"`
}

// LeaseResponse describes a held lease.
type LeaseResponse struct {
	// Resource is the leased resource id, e.g. "project/0" or "marking/0|17".
	Resource string `json:"resource"`
	// Holder is the identity holding the lease.
	Holder string `json:"holder"`
}

// LeaseListResponse is returned by GET /leases.
type LeaseListResponse struct {
	Leases []LeaseResponse `json:"leases"`
}

// PersistResponse reports the outcome of POST /admin/persist.
type PersistResponse struct {
	// Skipped is true when nothing was written.
	Skipped bool `json:"skipped"`
	// Reason explains a skipped persist ("clean" or "in_progress").
	Reason string `json:"reason,omitempty"`
	// Alterations is the number of mutations the persist covered.
	Alterations int64 `json:"alterations"`
	// Bytes is the total number of bytes written.
	Bytes int64 `json:"bytes"`
	// ElapsedMillis is the wall-clock duration of the write.
	ElapsedMillis int64 `json:"elapsed_ms"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable markd error identifier, e.g. "locked".
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
