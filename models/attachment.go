package models

// AttachmentType classifies an attachment for rendering purposes.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentOther    AttachmentType = "other"
)

// Attachment is a file reference carried by exactly one message. It is
// immutable once the owning message has been sent; URL stays empty until
// the upload completes.
type Attachment struct {
	Type         AttachmentType `json:"type"`
	URL          string         `json:"url,omitempty"`
	FileName     string         `json:"file_name"`
	FileSize     int64          `json:"file_size"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
}
