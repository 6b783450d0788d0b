package auditspool

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates the fields of an encoded spool record.
const Delimiter = `\`

// ErrCorruptRecord is returned when an encoded spool record cannot be decoded.
var ErrCorruptRecord = errors.New("auditspool: corrupt spool record")

// Field identifies one position of an encoded spool record. The order of the
// constants is the on-disk field order and must never be changed for files
// that may still be spooled.
type Field int

const (
	FieldCallingHost Field = iota
	FieldCallingUserID
	FieldCalledUserID
	FieldCalledHost
	FieldStudyUID
	FieldAccessionNumber
	FieldPatientID
	FieldPatientName
	FieldOutcome
	FieldStudyDate
	FieldSOPClassUID
	FieldSOPInstanceUID
	FieldMPPSUID
	FieldQueryPOID
	FieldQueryString
	FieldDestUserID
	FieldDestNapID
	FieldMoveUserID
	FieldWarning
	FieldFailedIUIDShow
	FieldHL7MessageType
	FieldSubmissionSetUID
	FieldIsExport
	FieldDetail

	fieldCount
)

var fieldNames = [fieldCount]string{
	"callingHost", "callingUserID", "calledUserID", "calledHost", "studyUID",
	"accessionNumber", "patientID", "patientName", "outcome", "studyDate",
	"sopClassUID", "sopInstanceUID", "mppsUID", "queryPOID", "queryString",
	"destUserID", "destNapID", "moveUserID", "warning", "failedIUIDShow",
	"hl7MessageType", "submissionSetUID", "isExport", "detail",
}

// String returns the field's canonical name.
func (f Field) String() string {
	if f < 0 || f >= fieldCount {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// Record is one spooled line: the header of a spool file or one of its detail
// entries. Empty strings mean absent. Records are plain values; two records
// are equal when all their fields are equal, which makes them usable as map
// keys.
type Record struct {
	CallingHost      string `json:"callingHost,omitempty" yaml:"callingHost,omitempty"`
	CallingUserID    string `json:"callingUserID,omitempty" yaml:"callingUserID,omitempty"`
	CalledUserID     string `json:"calledUserID,omitempty" yaml:"calledUserID,omitempty"`
	CalledHost       string `json:"calledHost,omitempty" yaml:"calledHost,omitempty"`
	StudyUID         string `json:"studyUID,omitempty" yaml:"studyUID,omitempty"`
	AccessionNumber  string `json:"accessionNumber,omitempty" yaml:"accessionNumber,omitempty"`
	PatientID        string `json:"patientID,omitempty" yaml:"patientID,omitempty"`
	PatientName      string `json:"patientName,omitempty" yaml:"patientName,omitempty"`
	Outcome          string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	StudyDate        string `json:"studyDate,omitempty" yaml:"studyDate,omitempty"`
	SOPClassUID      string `json:"sopClassUID,omitempty" yaml:"sopClassUID,omitempty"`
	SOPInstanceUID   string `json:"sopInstanceUID,omitempty" yaml:"sopInstanceUID,omitempty"`
	MPPSUID          string `json:"mppsUID,omitempty" yaml:"mppsUID,omitempty"`
	QueryPOID        string `json:"queryPOID,omitempty" yaml:"queryPOID,omitempty"`
	QueryString      string `json:"queryString,omitempty" yaml:"queryString,omitempty"`
	DestUserID       string `json:"destUserID,omitempty" yaml:"destUserID,omitempty"`
	DestNapID        string `json:"destNapID,omitempty" yaml:"destNapID,omitempty"`
	MoveUserID       string `json:"moveUserID,omitempty" yaml:"moveUserID,omitempty"`
	Warning          string `json:"warning,omitempty" yaml:"warning,omitempty"`
	FailedIUIDShow   bool   `json:"failedIUIDShow,omitempty" yaml:"failedIUIDShow,omitempty"`
	HL7MessageType   string `json:"hl7MessageType,omitempty" yaml:"hl7MessageType,omitempty"`
	SubmissionSetUID string `json:"submissionSetUID,omitempty" yaml:"submissionSetUID,omitempty"`
	IsExport         bool   `json:"isExport,omitempty" yaml:"isExport,omitempty"`
	Detail           string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// IsZero reports whether every field of r is absent.
func (r Record) IsZero() bool {
	return r == Record{}
}

// Get returns the string form of field f, or "" for an unknown field.
func (r Record) Get(f Field) string {
	if f < 0 || f >= fieldCount {
		return ""
	}
	return r.values()[f]
}

func (r Record) values() [fieldCount]string {
	return [fieldCount]string{
		FieldCallingHost:      r.CallingHost,
		FieldCallingUserID:    r.CallingUserID,
		FieldCalledUserID:     r.CalledUserID,
		FieldCalledHost:       r.CalledHost,
		FieldStudyUID:         r.StudyUID,
		FieldAccessionNumber:  r.AccessionNumber,
		FieldPatientID:        r.PatientID,
		FieldPatientName:      r.PatientName,
		FieldOutcome:          r.Outcome,
		FieldStudyDate:        r.StudyDate,
		FieldSOPClassUID:      r.SOPClassUID,
		FieldSOPInstanceUID:   r.SOPInstanceUID,
		FieldMPPSUID:          r.MPPSUID,
		FieldQueryPOID:        r.QueryPOID,
		FieldQueryString:      r.QueryString,
		FieldDestUserID:       r.DestUserID,
		FieldDestNapID:        r.DestNapID,
		FieldMoveUserID:       r.MoveUserID,
		FieldWarning:          r.Warning,
		FieldFailedIUIDShow:   encodeFlag(r.FailedIUIDShow),
		FieldHL7MessageType:   r.HL7MessageType,
		FieldSubmissionSetUID: r.SubmissionSetUID,
		FieldIsExport:         encodeFlag(r.IsExport),
		FieldDetail:           r.Detail,
	}
}

func recordFromValues(v [fieldCount]string) Record {
	return Record{
		CallingHost:      v[FieldCallingHost],
		CallingUserID:    v[FieldCallingUserID],
		CalledUserID:     v[FieldCalledUserID],
		CalledHost:       v[FieldCalledHost],
		StudyUID:         v[FieldStudyUID],
		AccessionNumber:  v[FieldAccessionNumber],
		PatientID:        v[FieldPatientID],
		PatientName:      v[FieldPatientName],
		Outcome:          v[FieldOutcome],
		StudyDate:        v[FieldStudyDate],
		SOPClassUID:      v[FieldSOPClassUID],
		SOPInstanceUID:   v[FieldSOPInstanceUID],
		MPPSUID:          v[FieldMPPSUID],
		QueryPOID:        v[FieldQueryPOID],
		QueryString:      v[FieldQueryString],
		DestUserID:       v[FieldDestUserID],
		DestNapID:        v[FieldDestNapID],
		MoveUserID:       v[FieldMoveUserID],
		Warning:          v[FieldWarning],
		FailedIUIDShow:   v[FieldFailedIUIDShow] != "",
		HL7MessageType:   v[FieldHL7MessageType],
		SubmissionSetUID: v[FieldSubmissionSetUID],
		IsExport:         v[FieldIsExport] != "",
		Detail:           v[FieldDetail],
	}
}

func encodeFlag(b bool) string {
	if b {
		return "1"
	}
	return ""
}

// Both replacers work in a single pass. Every escape sequence starts with '%',
// so at most one pattern matches at any position.
var (
	fieldEscaper = strings.NewReplacer(
		"%", "%25",
		`\`, "%5C",
		"\n", "%0A",
		"\r", "%0D",
	)
	fieldUnescaper = strings.NewReplacer(
		"%5C", `\`,
		"%0A", "\n",
		"%0D", "\r",
		"%25", "%",
	)
)

// EncodeRecord serializes r into a single line without a terminating newline.
// Every field occupies its position, so the line always has exactly
// fieldCount-1 delimiters.
func EncodeRecord(r Record) string {
	v := r.values()
	var b strings.Builder
	for i, s := range v {
		if i > 0 {
			b.WriteString(Delimiter)
		}
		b.WriteString(fieldEscaper.Replace(s))
	}
	return b.String()
}

// DecodeRecord parses a line produced by EncodeRecord. Blank input and lines
// with the wrong number of fields are rejected with ErrCorruptRecord.
func DecodeRecord(line string) (Record, error) {
	if strings.TrimSpace(line) == "" {
		return Record{}, fmt.Errorf("%w: blank line", ErrCorruptRecord)
	}
	parts := strings.Split(line, Delimiter)
	if len(parts) != int(fieldCount) {
		return Record{}, fmt.Errorf("%w: got %d fields, want %d", ErrCorruptRecord, len(parts), fieldCount)
	}
	var v [fieldCount]string
	for i, p := range parts {
		v[i] = fieldUnescaper.Replace(p)
	}
	return recordFromValues(v), nil
}
