package domain

import "time"

type SignatureStatus string

const (
	SignaturePending SignatureStatus = "pending"
	SignatureSigned  SignatureStatus = "signed"
	SignatureRevoked SignatureStatus = "revoked"
)

// User is the caller identity resolved from an access token.
// Users are owned by the external auth service; only id and email are needed here.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PageSize is a page box in PDF points.
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Document struct {
	Handle        string     `json:"handle"`
	OwnerID       string     `json:"ownerId"`
	DisplayName   string     `json:"displayName"`
	ContentDigest string     `json:"contentDigest"`
	StoragePath   string     `json:"-"`
	SizeBytes     int64      `json:"sizeBytes"`
	PageCount     int        `json:"pageCount"`
	PageSizes     []PageSize `json:"pageSizes"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Placement is the requested QR location plus the page-space box it resolved to.
type Placement struct {
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	Width        float64  `json:"width"`
	Height       float64  `json:"height"`
	TargetPage   int      `json:"target_page"`
	CanvasWidth  *float64 `json:"canvas_width,omitempty"`
	CanvasHeight *float64 `json:"canvas_height,omitempty"`

	ResolvedX      float64 `json:"resolved_x"`
	ResolvedY      float64 `json:"resolved_y"`
	ResolvedWidth  float64 `json:"resolved_width"`
	ResolvedHeight float64 `json:"resolved_height"`
}

type Signature struct {
	ID                  string          `json:"id"`
	DocumentHandle      string          `json:"documentHandle"`
	SignerID            string          `json:"signerId"`
	SignerIdentity      string          `json:"signerIdentity"`
	DocumentName        string          `json:"documentName"`
	Token               string          `json:"-"`
	Status              SignatureStatus `json:"status"`
	QRArtifactPath      string          `json:"-"`
	StampedArtifactPath string          `json:"-"`
	Placement           *Placement      `json:"placement,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}
