package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oralhealth/intake/internal/domain/account"
)

// Record is one visit: a photo set plus optional measurement blocks.
type Record struct {
	ID             uuid.UUID           `json:"id"`
	PatientID      uuid.UUID           `json:"patientId"`
	LoginID        string              `json:"loginid"`
	UploadDateTime time.Time           `json:"UploadDateTime"`
	Photos         Photos              `json:"Photos"`
	HRV            *Measurement[HRV]   `json:"HRV,omitempty"`
	HRV2           *Measurement[HRV]   `json:"HRV2,omitempty"`
	GSR            *Measurement[GSR]   `json:"GSR,omitempty"`
	GSR2           *Measurement[GSR]   `json:"GSR2,omitempty"`
	Pulse          *Measurement[Pulse] `json:"Pulse,omitempty"`
	Recommend      *string             `json:"Recommend,omitempty"`
	CheckList      json.RawMessage     `json:"CheckList,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`

	Patient *account.Summary `json:"patient,omitempty"`
}

// Validate checks the measurement blocks that were decoded.
func (r *Record) Validate() error {
	if err := r.HRV.validate("HRV"); err != nil {
		return err
	}
	if err := r.HRV2.validate("HRV2"); err != nil {
		return err
	}
	if err := r.GSR.validate("GSR"); err != nil {
		return err
	}
	return r.GSR2.validate("GSR2")
}

// Photos maps the seven fixed slots to stored public paths.
type Photos struct {
	FacePhoto     string `json:"FacePhoto"`
	TouguePhoto   string `json:"TouguePhoto"`
	TeethEPhoto   string `json:"TeethEPhoto"`
	TeethInPhoto1 string `json:"TeethInPhoto1"`
	TeethInPhoto2 string `json:"TeethInPhoto2"`
	TeethInPhoto3 string `json:"TeethInPhoto3"`
	TeethInPhoto4 string `json:"TeethInPhoto4"`
}

func (p *Photos) slot(name string) *string {
	switch name {
	case "FacePhoto":
		return &p.FacePhoto
	case "TouguePhoto":
		return &p.TouguePhoto
	case "TeethEPhoto":
		return &p.TeethEPhoto
	case "TeethInPhoto1":
		return &p.TeethInPhoto1
	case "TeethInPhoto2":
		return &p.TeethInPhoto2
	case "TeethInPhoto3":
		return &p.TeethInPhoto3
	case "TeethInPhoto4":
		return &p.TeethInPhoto4
	}
	return nil
}

// Get returns the path stored in slot, or "".
func (p Photos) Get(slot string) string {
	if v := p.slot(slot); v != nil {
		return *v
	}
	return ""
}

// Set stores path in slot. Unknown slots are rejected.
func (p *Photos) Set(slot, path string) error {
	v := p.slot(slot)
	if v == nil {
		return fmt.Errorf("unknown photo slot %q", slot)
	}
	*v = path
	return nil
}

// Paths returns every non-empty path.
func (p Photos) Paths() []string {
	all := []string{
		p.FacePhoto, p.TouguePhoto, p.TeethEPhoto,
		p.TeethInPhoto1, p.TeethInPhoto2, p.TeethInPhoto3, p.TeethInPhoto4,
	}
	out := make([]string, 0, len(all))
	for _, v := range all {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (p Photos) HasAny() bool { return len(p.Paths()) > 0 }

// HRV is a heart-rate-variability block. HeartBeat, Times and IBIms are
// parallel sequences.
type HRV struct {
	RMSSD     *float64  `json:"RMSSD,omitempty"`
	SDNN      *float64  `json:"SDNN,omitempty"`
	PNN50     *float64  `json:"pNN50,omitempty"`
	SD1       *float64  `json:"SD1,omitempty"`
	SD2       *float64  `json:"SD2,omitempty"`
	HeartBeat []float64 `json:"HeartBeat"`
	Times     []float64 `json:"Times"`
	IBIms     []float64 `json:"IBIms"`
}

func (h *HRV) check() error {
	if len(h.HeartBeat) != len(h.Times) || len(h.Times) != len(h.IBIms) {
		return fmt.Errorf("HeartBeat, Times and IBIms must have equal length (got %d, %d, %d)",
			len(h.HeartBeat), len(h.Times), len(h.IBIms))
	}
	return nil
}

// GSR is a galvanic-skin-response block of four parallel sequences.
type GSR struct {
	RawIndex []float64 `json:"RawIndex"`
	RawValue []float64 `json:"RawValue"`
	RawTime  []float64 `json:"RawTime"`
	SCL      []float64 `json:"SCL"`
}

func (g *GSR) check() error {
	n := len(g.RawIndex)
	if len(g.RawValue) != n || len(g.RawTime) != n || len(g.SCL) != n {
		return fmt.Errorf("RawIndex, RawValue, RawTime and SCL must have equal length (got %d, %d, %d, %d)",
			n, len(g.RawValue), len(g.RawTime), len(g.SCL))
	}
	return nil
}

// Pulse holds the left and right readings for twelve sites.
type Pulse struct {
	Data1L  *float64 `json:"Data_1_L,omitempty"`
	Data2L  *float64 `json:"Data_2_L,omitempty"`
	Data3L  *float64 `json:"Data_3_L,omitempty"`
	Data4L  *float64 `json:"Data_4_L,omitempty"`
	Data5L  *float64 `json:"Data_5_L,omitempty"`
	Data6L  *float64 `json:"Data_6_L,omitempty"`
	Data7L  *float64 `json:"Data_7_L,omitempty"`
	Data8L  *float64 `json:"Data_8_L,omitempty"`
	Data9L  *float64 `json:"Data_9_L,omitempty"`
	Data10L *float64 `json:"Data_10_L,omitempty"`
	Data11L *float64 `json:"Data_11_L,omitempty"`
	Data12L *float64 `json:"Data_12_L,omitempty"`
	Data1R  *float64 `json:"Data_1_R,omitempty"`
	Data2R  *float64 `json:"Data_2_R,omitempty"`
	Data3R  *float64 `json:"Data_3_R,omitempty"`
	Data4R  *float64 `json:"Data_4_R,omitempty"`
	Data5R  *float64 `json:"Data_5_R,omitempty"`
	Data6R  *float64 `json:"Data_6_R,omitempty"`
	Data7R  *float64 `json:"Data_7_R,omitempty"`
	Data8R  *float64 `json:"Data_8_R,omitempty"`
	Data9R  *float64 `json:"Data_9_R,omitempty"`
	Data10R *float64 `json:"Data_10_R,omitempty"`
	Data11R *float64 `json:"Data_11_R,omitempty"`
	Data12R *float64 `json:"Data_12_R,omitempty"`
}

// Left returns the twelve left-hand readings in site order.
func (p *Pulse) Left() []*float64 {
	return []*float64{p.Data1L, p.Data2L, p.Data3L, p.Data4L, p.Data5L, p.Data6L,
		p.Data7L, p.Data8L, p.Data9L, p.Data10L, p.Data11L, p.Data12L}
}

// Right returns the twelve right-hand readings in site order.
func (p *Pulse) Right() []*float64 {
	return []*float64{p.Data1R, p.Data2R, p.Data3R, p.Data4R, p.Data5R, p.Data6R,
		p.Data7R, p.Data8R, p.Data9R, p.Data10R, p.Data11R, p.Data12R}
}

// Measurement is a decoded block, or the submitted text when it was not
// valid JSON. It serializes as the block or as a JSON string.
type Measurement[T any] struct {
	Data *T
	Raw  string
}

// ParseMeasurement decodes a form value. Empty input yields nil, text that
// is not JSON is kept raw, and JSON of the wrong shape is an error.
func ParseMeasurement[T any](s string) (*Measurement[T], error) {
	b := bytes.TrimSpace([]byte(s))
	if len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return &Measurement[T]{Raw: s}, nil
	}
	m := &Measurement[T]{}
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	if m.Data == nil && m.Raw == "" {
		return nil, nil
	}
	return m, nil
}

func (m Measurement[T]) MarshalJSON() ([]byte, error) {
	if m.Data != nil {
		return json.Marshal(m.Data)
	}
	return json.Marshal(m.Raw)
}

// UnmarshalJSON accepts the block itself or a JSON string. A string holding
// an encoded block is decoded; any other string is kept raw.
func (m *Measurement[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*m = Measurement[T]{}
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) > 0 && inner[0] == '{' && json.Valid(inner) {
			return m.decode(inner)
		}
		m.Raw = s
		return nil
	default:
		return m.decode(b)
	}
}

func (m *Measurement[T]) decode(b []byte) error {
	var v T
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&v); err != nil {
		return err
	}
	m.Data = &v
	return nil
}

// IsRaw reports whether the block was kept as unparsed text.
func (m *Measurement[T]) IsRaw() bool { return m != nil && m.Data == nil }

type checker interface{ check() error }

func (m *Measurement[T]) validate(field string) error {
	if m == nil || m.Data == nil {
		return nil
	}
	if c, ok := any(m.Data).(checker); ok {
		if err := c.check(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, field, err)
		}
	}
	return nil
}

// Filter narrows record listings.
type Filter struct {
	LoginID   string
	PatientID *uuid.UUID
	Start     *time.Time
	End       *time.Time
	HasHRV    bool
	HasHRV2   bool
	HasGSR    bool
	HasGSR2   bool
	HasPulse  bool

	// HasRecommend and HasCheckList keep only visits where the field was filled in.
	HasRecommend bool
	HasCheckList bool
}

// CreateInput is a record submission. Measurement fields hold the raw
// form values.
type CreateInput struct {
	LoginID        string
	HRV            string
	HRV2           string
	GSR            string
	GSR2           string
	Pulse          string
	CheckList      string
	Recommend      string
	UploadDateTime string
}

// ReplaceRequest is the body of a full update. Ownership and timestamps are
// not replaceable.
type ReplaceRequest struct {
	UploadDateTime *time.Time          `json:"UploadDateTime"`
	Photos         Photos              `json:"Photos"`
	HRV            *Measurement[HRV]   `json:"HRV"`
	HRV2           *Measurement[HRV]   `json:"HRV2"`
	GSR            *Measurement[GSR]   `json:"GSR"`
	GSR2           *Measurement[GSR]   `json:"GSR2"`
	Pulse          *Measurement[Pulse] `json:"Pulse"`
	Recommend      *string             `json:"Recommend"`
	CheckList      json.RawMessage     `json:"CheckList"`
}
