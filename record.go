package auditspool

import (
	"time"
)

// Code is a coded value: a code, its coding scheme and a display name.
type Code struct {
	Value   string `json:"code"`
	Scheme  string `json:"codeSystemName,omitempty"`
	Meaning string `json:"displayName,omitempty"`
}

// IsZero reports whether c carries no code.
func (c Code) IsZero() bool { return c.Value == "" }

func dcm(value, meaning string) Code { return Code{Value: value, Scheme: "DCM", Meaning: meaning} }

// Coded values used when building records.
var (
	EventIDApplicationActivity  = dcm("110100", "Application Activity")
	EventIDBeginTransferring    = dcm("110102", "Begin Transferring DICOM Instances")
	EventIDInstancesAccessed    = dcm("110103", "DICOM Instances Accessed")
	EventIDInstancesTransferred = dcm("110104", "DICOM Instances Transferred")
	EventIDStudyDeleted         = dcm("110105", "DICOM Study Deleted")
	EventIDExport               = dcm("110106", "Export")
	EventIDImport               = dcm("110107", "Import")
	EventIDPatientRecord        = dcm("110110", "Patient Record")
	EventIDProcedureRecord      = dcm("110111", "Procedure Record")
	EventIDQuery                = dcm("110112", "Query")
	EventIDSecurityAlert        = dcm("110113", "Security Alert")

	EventTypeApplicationStart      = dcm("110120", "Application Start")
	EventTypeApplicationStop       = dcm("110121", "Application Stop")
	EventTypeNodeAuthentication    = dcm("110126", "Node Authentication")
	EventTypeSoftwareConfiguration = dcm("110131", "Software Configuration")
	EventTypeProvideAndRegister    = Code{Value: "ITI-41", Scheme: "IHE Transactions", Meaning: "Provide and Register Document Set-b"}

	RoleApplication         = dcm("110150", "Application")
	RoleApplicationLauncher = dcm("110151", "Application Launcher")
	RoleDestination         = dcm("110152", "Destination Role ID")
	RoleSource              = dcm("110153", "Source Role ID")

	UserIDTypeStationAETitle      = dcm("110119", "Station AE Title")
	UserIDTypeDeviceName          = dcm("113877", "Device Name")
	UserIDTypeNodeID              = dcm("110182", "Node ID")
	UserIDTypeURI                 = Code{Value: "12", Scheme: "RFC-3881", Meaning: "URI"}
	UserIDTypeApplicationFacility = Code{Value: "ApplicationFacility", Scheme: "99DCM4CHEE", Meaning: "Application Facility"}
	UserIDTypePerson              = Code{Value: "2", Scheme: "RFC-3881", Meaning: "Person"}

	ObjectIDTypeStudyInstanceUID = dcm("110180", "Study Instance UID")
	ObjectIDTypeSOPClassUID      = dcm("110181", "SOP Class UID")
	ObjectIDTypeNodeID           = dcm("110182", "Node ID")
	ObjectIDTypeDeviceName       = dcm("113877", "Device Name")
	ObjectIDTypePatientNumber    = Code{Value: "2", Scheme: "RFC-3881", Meaning: "Patient Number"}
	ObjectIDTypeQIDOQuery        = Code{Value: "QIDO", Scheme: "99DCM4CHEE", Meaning: "QIDO-RS query"}
	ObjectIDTypeXDSMetadata      = Code{Value: "urn:uuid:a54d6aa5-d40d-43f9-88c5-b4633d873bdd", Scheme: "IHE XDS Metadata", Meaning: "submission set classificationNode"}
)

// Event action codes.
const (
	ActionCreate  = "C"
	ActionRead    = "R"
	ActionUpdate  = "U"
	ActionDelete  = "D"
	ActionExecute = "E"
)

// Event outcome indicators.
const (
	OutcomeSuccess        = "0"
	OutcomeMinorFailure   = "4"
	OutcomeSeriousFailure = "8"
	OutcomeMajorFailure   = "12"
)

// Participant object type codes and roles.
const (
	ObjectTypePerson       = "1"
	ObjectTypeSystemObject = "2"

	ObjectRolePatient = "1"
	ObjectRoleReport  = "3"
	ObjectRoleNode    = "7"
	ObjectRoleJob     = "20"
	ObjectRoleQuery   = "24"

	LifeCycleOriginationCreation = "1"
	LifeCycleVerification        = "4"
	LifeCycleAccess              = "6"
	LifeCyclePermanentErasure    = "14"
)

// Network access point type codes.
const (
	NetworkAccessPointMachineName = "1"
	NetworkAccessPointIPAddress   = "2"
)

// AuditRecord is the structured audit message delivered to a collector.
type AuditRecord struct {
	ID                 string              `json:"id"`
	EventCode          string              `json:"eventCode"`
	Event              EventIdentification `json:"event"`
	ActiveParticipants []ActiveParticipant `json:"activeParticipants"`
	ParticipantObjects []ParticipantObject `json:"participantObjects,omitempty"`
	Source             AuditSource         `json:"auditSource"`
}

// EventIdentification describes what happened and when.
type EventIdentification struct {
	EventID            Code      `json:"eventID"`
	ActionCode         string    `json:"eventActionCode"`
	DateTime           time.Time `json:"eventDateTime"`
	OutcomeIndicator   string    `json:"eventOutcomeIndicator"`
	OutcomeDescription string    `json:"eventOutcomeDescription,omitempty"`
	EventTypeCodes     []Code    `json:"eventTypeCode,omitempty"`
}

// ActiveParticipant is a user or system taking part in the event.
type ActiveParticipant struct {
	UserID                     string `json:"userID"`
	AlternativeUserID          string `json:"alternativeUserID,omitempty"`
	UserIDTypeCode             Code   `json:"userTypeCode"`
	UserIsRequestor            bool   `json:"userIsRequestor"`
	RoleIDCodes                []Code `json:"roleIDCode,omitempty"`
	NetworkAccessPointID       string `json:"networkAccessPointID,omitempty"`
	NetworkAccessPointTypeCode string `json:"networkAccessPointTypeCode,omitempty"`
}

// ParticipantObject is an entity the event acted upon.
type ParticipantObject struct {
	ID            string             `json:"participantObjectID"`
	IDTypeCode    Code               `json:"participantObjectIDTypeCode"`
	TypeCode      string             `json:"participantObjectTypeCode"`
	TypeCodeRole  string             `json:"participantObjectTypeCodeRole,omitempty"`
	DataLifeCycle string             `json:"participantObjectDataLifeCycle,omitempty"`
	Name          string             `json:"participantObjectName,omitempty"`
	Query         []byte             `json:"participantObjectQuery,omitempty"`
	Details       []ObjectDetail     `json:"participantObjectDetail,omitempty"`
	Description   *ObjectDescription `json:"participantObjectDescription,omitempty"`
}

// ObjectDetail is a typed name/value pair attached to a participant object.
type ObjectDetail struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ObjectDescription carries DICOM specific participant object details.
type ObjectDescription struct {
	Accessions []string   `json:"accession,omitempty"`
	MPPS       []string   `json:"mpps,omitempty"`
	SOPClasses []SOPClass `json:"sopClass,omitempty"`
	StudyUIDs  []string   `json:"studyIDs,omitempty"`
}

// SOPClass counts the instances of one SOP class referenced by an event.
type SOPClass struct {
	UID               string   `json:"uid"`
	NumberOfInstances int      `json:"numberOfInstances"`
	InstanceUIDs      []string `json:"instance,omitempty"`
}

// AuditSource identifies the system that produced the record.
type AuditSource struct {
	ID               string   `json:"auditSourceID"`
	EnterpriseSiteID string   `json:"auditEnterpriseSiteID,omitempty"`
	TypeCodes        []string `json:"auditSourceTypeCode,omitempty"`
}

// Study returns the first participant object identifying a study, or nil.
func (r *AuditRecord) Study() *ParticipantObject {
	for i := range r.ParticipantObjects {
		if r.ParticipantObjects[i].IDTypeCode == ObjectIDTypeStudyInstanceUID {
			return &r.ParticipantObjects[i]
		}
	}
	return nil
}

// Requestor returns the active participant flagged as requestor, or nil.
func (r *AuditRecord) Requestor() *ActiveParticipant {
	for i := range r.ActiveParticipants {
		if r.ActiveParticipants[i].UserIsRequestor {
			return &r.ActiveParticipants[i]
		}
	}
	return nil
}
