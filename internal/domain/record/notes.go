package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oralhealth/intake/internal/platform/auth"
)

// Note kinds a patient's history can be listed by.
const (
	NoteRecommend = "Recommend"
	NoteCheckList = "CheckList"
)

// Note is the recommendation or checklist of one visit.
type Note struct {
	RecordID       uuid.UUID       `json:"recordId"`
	PatientID      uuid.UUID       `json:"patientId"`
	LoginID        string          `json:"loginid"`
	UploadDateTime time.Time       `json:"UploadDateTime"`
	Recommend      *string         `json:"Recommend,omitempty"`
	CheckList      json.RawMessage `json:"CheckList,omitempty"`
}

// NotesForPatient lists, newest first, the visits of the account named by ref
// that carry a note of the given kind.
func (s *Service) NotesForPatient(ctx context.Context, ref, kind string, actor *auth.Principal, limit, offset int) ([]*Note, int, error) {
	var f Filter
	switch kind {
	case NoteRecommend:
		f.HasRecommend = true
	case NoteCheckList:
		f.HasCheckList = true
	default:
		return nil, 0, fmt.Errorf("%w: unknown note kind %q", ErrValidation, kind)
	}

	recs, total, err := s.listForPatient(ctx, ref, actor, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	notes := make([]*Note, 0, len(recs))
	for _, r := range recs {
		n := &Note{
			RecordID:       r.ID,
			PatientID:      r.PatientID,
			LoginID:        r.LoginID,
			UploadDateTime: r.UploadDateTime,
		}
		if kind == NoteRecommend {
			n.Recommend = r.Recommend
		} else {
			n.CheckList = r.CheckList
		}
		notes = append(notes, n)
	}
	return notes, total, nil
}
