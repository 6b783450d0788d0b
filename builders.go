package auditspool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// LocalSystem identifies the archive that produces the audit records.
type LocalSystem struct {
	DeviceName       string   `yaml:"deviceName" json:"deviceName"`
	Hostname         string   `yaml:"hostname" json:"hostname"`
	ProcessID        string   `yaml:"processID,omitempty" json:"processID,omitempty"`
	SourceID         string   `yaml:"auditSourceID,omitempty" json:"auditSourceID,omitempty"` // defaults to DeviceName
	SiteID           string   `yaml:"enterpriseSiteID,omitempty" json:"enterpriseSiteID,omitempty"`
	SourceTypeCodes  []string `yaml:"auditSourceTypeCodes,omitempty" json:"auditSourceTypeCodes,omitempty"`
	UnknownPatientID string   `yaml:"unknownPatientID,omitempty" json:"unknownPatientID,omitempty"` // reported when an event has no patient
}

// Detail type names attached to participant objects.
const (
	DetailStudyDate        = "StudyDate"
	DetailQueryEncoding    = "QueryEncoding"
	DetailTransferSyntax   = "TransferSyntax"
	DetailHL7MessageType   = "HL7MessageType"
	DetailAlertDescription = "Alert Description"

	implicitVRLittleEndian = "1.2.840.10008.1.2"
	studyUIDSeparator      = ";"
)

// buildInput is everything a record builder may look at.
type buildInput struct {
	desc     EventTypeDescriptor
	header   Record
	details  []Record
	local    LocalSystem
	hostname string // local host name reported to the destination
}

// recordBuilder fills the participants and participant objects of rec.
type recordBuilder func(in *buildInput, rec *AuditRecord) error

var recordBuilders = map[EventClass]recordBuilder{
	ClassApplicationActivity:   buildApplicationActivity,
	ClassConnectionReject:      buildConnectionReject,
	ClassStoreWADO:             buildStoreWADO,
	ClassRetrieve:              buildRetrieve,
	ClassUserDeleted:           buildDeletion,
	ClassSchedulerDeleted:      buildDeletion,
	ClassQuery:                 buildQuery,
	ClassHL7:                   buildPatientRecord,
	ClassProcedure:             buildProcedureRecord,
	ClassProvideRegister:       buildProvideRegister,
	ClassStorageCommit:         buildStorageCommit,
	ClassInstancesRetrieved:    buildInstancesRetrieved,
	ClassSoftwareConfiguration: buildSoftwareConfiguration,
}

// BuildRecord reconstructs the audit record of one spool file. The record ID
// is left empty.
func BuildRecord(desc EventTypeDescriptor, header Record, details []Record, eventTime time.Time, local LocalSystem, hostname string) (*AuditRecord, error) {
	build, ok := recordBuilders[desc.Class]
	if !ok {
		return nil, fmt.Errorf("auditspool: no record builder for event class %q", desc.Class)
	}
	if hostname == "" {
		hostname = local.Hostname
	}
	in := &buildInput{desc: desc, header: header, details: details, local: local, hostname: hostname}
	rec := &AuditRecord{
		EventCode: desc.Code,
		Event:     eventIdentification(desc, header.Outcome, header.Warning, eventTime),
		Source:    auditSource(local),
	}
	if err := build(in, rec); err != nil {
		return nil, fmt.Errorf("auditspool: build %s record: %w", desc.Code, err)
	}
	if len(rec.ActiveParticipants) == 0 {
		return nil, fmt.Errorf("auditspool: build %s record: no active participant", desc.Code)
	}
	return rec, nil
}

func eventIdentification(desc EventTypeDescriptor, outcome, warning string, t time.Time) EventIdentification {
	ei := EventIdentification{
		EventID:          desc.EventID,
		ActionCode:       desc.ActionCode,
		DateTime:         t,
		OutcomeIndicator: OutcomeSuccess,
	}
	if outcome != "" {
		ei.OutcomeIndicator = OutcomeMinorFailure
		ei.OutcomeDescription = outcome
	} else if warning != "" {
		ei.OutcomeDescription = warning
	}
	if !desc.EventType.IsZero() {
		ei.EventTypeCodes = []Code{desc.EventType}
	}
	return ei
}

func auditSource(local LocalSystem) AuditSource {
	id := local.SourceID
	if id == "" {
		id = local.DeviceName
	}
	return AuditSource{ID: id, EnterpriseSiteID: local.SiteID, TypeCodes: local.SourceTypeCodes}
}

// User ID type heuristics.

func archiveUserIDTypeCode(userID, deviceName string) Code {
	switch {
	case strings.Contains(userID, "/"):
		return UserIDTypeURI
	case strings.Contains(userID, "|"):
		return UserIDTypeApplicationFacility
	case userID == deviceName:
		return UserIDTypeDeviceName
	default:
		return UserIDTypeStationAETitle
	}
}

func callingUserIDTypeCode(archiveType Code, callingUserID string) Code {
	switch {
	case strings.Contains(callingUserID, "|"):
		return UserIDTypeApplicationFacility
	case archiveType == UserIDTypeURI:
		return userIDTypeCode(callingUserID)
	default:
		return UserIDTypeStationAETitle
	}
}

func userIDTypeCode(userID string) Code {
	switch {
	case strings.Contains(userID, "/"):
		return UserIDTypeURI
	case strings.Contains(userID, "|"):
		return UserIDTypeApplicationFacility
	default:
		return UserIDTypePerson
	}
}

func napTypeCode(nap string) string {
	if nap == "" {
		return ""
	}
	host := strings.TrimPrefix(nap, "/")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return NetworkAccessPointIPAddress
	}
	return NetworkAccessPointMachineName
}

func roles(c Code) []Code {
	if c.IsZero() {
		return nil
	}
	return []Code{c}
}

func participant(userID, nap string, typeCode Code, requestor bool, role Code) ActiveParticipant {
	return ActiveParticipant{
		UserID:                     userID,
		UserIDTypeCode:             typeCode,
		UserIsRequestor:            requestor,
		RoleIDCodes:                roles(role),
		NetworkAccessPointID:       nap,
		NetworkAccessPointTypeCode: napTypeCode(nap),
	}
}

func (in *buildInput) localParticipant(userID string, typeCode Code, requestor bool, role Code) ActiveParticipant {
	p := participant(userID, in.hostname, typeCode, requestor, role)
	p.AlternativeUserID = in.local.ProcessID
	return p
}

func (in *buildInput) archiveUserID() string {
	if in.header.CalledUserID != "" {
		return in.header.CalledUserID
	}
	return in.local.DeviceName
}

// symmetricParticipants is the common participant rule: the local system is
// always present, the calling principal when known, and a move originator
// for event types flagged IsOther.
func (in *buildInput) symmetricParticipants() []ActiveParticipant {
	h := in.header
	archiveID := in.archiveUserID()
	archiveType := archiveUserIDTypeCode(archiveID, in.local.DeviceName)

	remoteID, remoteNAP := h.CallingUserID, h.CallingHost
	if remoteID == "" {
		remoteID = remoteNAP
	}
	if remoteID == "" {
		return []ActiveParticipant{in.localParticipant(archiveID, archiveType, true, Code{})}
	}

	remoteType := callingUserIDTypeCode(archiveType, remoteID)
	var aps []ActiveParticipant
	switch d := in.desc; {
	case d.IsSource:
		aps = []ActiveParticipant{
			participant(remoteID, remoteNAP, remoteType, true, d.SourceRole),
			in.localParticipant(archiveID, archiveType, false, d.DestinationRole),
		}
	case d.IsDest:
		aps = []ActiveParticipant{
			in.localParticipant(archiveID, archiveType, false, d.SourceRole),
			participant(remoteID, remoteNAP, remoteType, true, d.DestinationRole),
		}
	default:
		aps = []ActiveParticipant{
			in.localParticipant(archiveID, archiveType, false, d.DestinationRole),
			participant(remoteID, remoteNAP, remoteType, true, d.SourceRole),
		}
	}
	if in.desc.IsOther && h.MoveUserID != "" {
		for i := range aps {
			aps[i].UserIsRequestor = false
		}
		aps = append(aps, participant(h.MoveUserID, h.CallingHost, UserIDTypeStationAETitle, true, Code{}))
	}
	return aps
}

// Participant objects.

func studyObject(uid string, desc *ObjectDescription, studyDate, lifecycle string) ParticipantObject {
	po := ParticipantObject{
		ID:            uid,
		IDTypeCode:    ObjectIDTypeStudyInstanceUID,
		TypeCode:      ObjectTypeSystemObject,
		TypeCodeRole:  ObjectRoleReport,
		DataLifeCycle: lifecycle,
		Description:   desc,
	}
	if studyDate != "" {
		po.Details = []ObjectDetail{{Type: DetailStudyDate, Value: studyDate}}
	}
	return po
}

func (in *buildInput) patientObject(id, name string) (ParticipantObject, bool) {
	if id == "" {
		id = in.local.UnknownPatientID
	}
	if id == "" {
		return ParticipantObject{}, false
	}
	return ParticipantObject{
		ID:           id,
		IDTypeCode:   ObjectIDTypePatientNumber,
		TypeCode:     ObjectTypePerson,
		TypeCodeRole: ObjectRolePatient,
		Name:         name,
	}, true
}

func (in *buildInput) appendPatient(rec *AuditRecord, id, name string) {
	if po, ok := in.patientObject(id, name); ok {
		rec.ParticipantObjects = append(rec.ParticipantObjects, po)
	}
}

// sopClasses counts distinct instances per SOP class in order of first
// appearance. Instance UIDs are listed only when showInstances is set.
func sopClasses(details []Record, showInstances bool) []SOPClass {
	var order []string
	seen := map[string]map[string]bool{}
	instances := map[string][]string{}
	for _, d := range details {
		if d.SOPClassUID == "" {
			continue
		}
		set, ok := seen[d.SOPClassUID]
		if !ok {
			set = map[string]bool{}
			seen[d.SOPClassUID] = set
			order = append(order, d.SOPClassUID)
		}
		if d.SOPInstanceUID == "" || set[d.SOPInstanceUID] {
			continue
		}
		set[d.SOPInstanceUID] = true
		instances[d.SOPClassUID] = append(instances[d.SOPClassUID], d.SOPInstanceUID)
	}
	out := make([]SOPClass, 0, len(order))
	for _, uid := range order {
		sc := SOPClass{UID: uid, NumberOfInstances: len(instances[uid])}
		if showInstances {
			sc.InstanceUIDs = instances[uid]
		}
		out = append(out, sc)
	}
	return out
}

func distinct(details []Record, get func(Record) string) []string {
	var out []string
	seen := map[string]bool{}
	for _, d := range details {
		v := get(d)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Builders, one per event class.

func buildApplicationActivity(in *buildInput, rec *AuditRecord) error {
	rec.ActiveParticipants = in.symmetricParticipants()
	return nil
}

func buildConnectionReject(in *buildInput, rec *AuditRecord) error {
	h := in.header
	nap := h.CalledHost
	if nap == "" {
		nap = in.hostname
	}
	local := participant(in.local.DeviceName, nap, UserIDTypeDeviceName, false, Code{})
	local.AlternativeUserID = in.local.ProcessID
	rec.ActiveParticipants = []ActiveParticipant{
		local,
		participant(h.CallingHost, h.CallingHost, UserIDTypeNodeID, true, Code{}),
	}
	rec.ParticipantObjects = []ParticipantObject{{
		ID:         h.CallingHost,
		IDTypeCode: ObjectIDTypeNodeID,
		TypeCode:   ObjectTypeSystemObject,
	}}
	return nil
}

func buildStoreWADO(in *buildInput, rec *AuditRecord) error {
	h := in.header
	rec.ActiveParticipants = in.symmetricParticipants()
	desc := &ObjectDescription{
		Accessions: nonEmpty(h.AccessionNumber),
		MPPS:       distinct(in.details, func(r Record) string { return r.MPPSUID }),
		SOPClasses: sopClasses(in.details, false),
	}
	var lifecycle string
	if in.desc.Code == CodeStoreCreate || in.desc.Code == CodeStoreUpdate {
		lifecycle = LifeCycleOriginationCreation
	}
	rec.ParticipantObjects = []ParticipantObject{studyObject(h.StudyUID, desc, h.StudyDate, lifecycle)}
	in.appendPatient(rec, h.PatientID, h.PatientName)
	return nil
}

func buildRetrieve(in *buildInput, rec *AuditRecord) error {
	h := in.header
	switch {
	case h.MoveUserID != "":
		rec.ActiveParticipants = in.moveParticipants()
	case h.IsExport:
		rec.ActiveParticipants = in.exportParticipants()
	default:
		rec.ActiveParticipants = in.getParticipants()
	}

	type study struct {
		accession string
		details   []Record
	}
	var order []string
	studies := map[string]*study{}
	patientID, patientName, studyDate := h.PatientID, h.PatientName, h.StudyDate
	for _, d := range in.details {
		uid := d.StudyUID
		if uid == "" {
			uid = h.StudyUID
		}
		s, ok := studies[uid]
		if !ok {
			s = &study{accession: d.AccessionNumber}
			studies[uid] = s
			order = append(order, uid)
		}
		s.details = append(s.details, d)
		if d.PatientID != "" {
			patientID, patientName = d.PatientID, d.PatientName
		}
		if d.StudyDate != "" {
			studyDate = d.StudyDate
		}
	}
	if len(order) == 0 && h.StudyUID != "" {
		order = append(order, h.StudyUID)
		studies[h.StudyUID] = &study{accession: h.AccessionNumber}
	}
	for _, uid := range order {
		s := studies[uid]
		desc := &ObjectDescription{
			Accessions: nonEmpty(s.accession),
			SOPClasses: sopClasses(s.details, h.FailedIUIDShow),
		}
		rec.ParticipantObjects = append(rec.ParticipantObjects, studyObject(uid, desc, studyDate, ""))
	}
	in.appendPatient(rec, patientID, patientName)
	return nil
}

func (in *buildInput) moveParticipants() []ActiveParticipant {
	h := in.header
	return []ActiveParticipant{
		in.localParticipant(h.CalledUserID, UserIDTypeStationAETitle, false, in.desc.SourceRole),
		participant(h.DestUserID, h.DestNapID, UserIDTypeStationAETitle, false, in.desc.DestinationRole),
		participant(h.MoveUserID, h.CallingHost, UserIDTypeStationAETitle, true, Code{}),
	}
}

func (in *buildInput) exportParticipants() []ActiveParticipant {
	h := in.header
	archiveID := in.archiveUserID()
	archiveType := archiveUserIDTypeCode(archiveID, in.local.DeviceName)
	aps := []ActiveParticipant{
		participant(h.DestUserID, h.DestNapID, UserIDTypeStationAETitle, false, in.desc.DestinationRole),
		in.localParticipant(archiveID, archiveType, h.CallingUserID == "", in.desc.SourceRole),
	}
	if h.CallingUserID != "" {
		aps = append(aps, participant(h.CallingUserID, h.CallingHost,
			callingUserIDTypeCode(archiveType, h.CallingUserID), true, Code{}))
	}
	return aps
}

func (in *buildInput) getParticipants() []ActiveParticipant {
	h := in.header
	archiveID := in.archiveUserID()
	archiveType := archiveUserIDTypeCode(archiveID, in.local.DeviceName)
	userID, nap := h.CallingUserID, h.CallingHost
	if userID == "" {
		userID, nap = h.DestUserID, h.DestNapID
	}
	if userID == "" {
		userID = nap
	}
	return []ActiveParticipant{
		in.localParticipant(archiveID, archiveType, false, in.desc.SourceRole),
		participant(userID, nap, callingUserIDTypeCode(archiveType, userID), true, in.desc.DestinationRole),
	}
}

// buildDeletion handles user and scheduler initiated deletions. Each detail
// carries a SOP class UID and, in its instance field, the number of deleted
// instances of that class.
func buildDeletion(in *buildInput, rec *AuditRecord) error {
	h := in.header
	if in.desc.Class == ClassUserDeleted && (h.CallingUserID != "" || h.CallingHost != "") {
		archiveID := in.archiveUserID()
		archiveType := archiveUserIDTypeCode(archiveID, in.local.DeviceName)
		callingID := h.CallingUserID
		if callingID == "" {
			callingID = h.CallingHost
		}
		rec.ActiveParticipants = []ActiveParticipant{
			participant(callingID, h.CallingHost, callingUserIDTypeCode(archiveType, callingID), true, Code{}),
			in.localParticipant(archiveID, archiveType, false, Code{}),
		}
	} else {
		rec.ActiveParticipants = []ActiveParticipant{
			in.localParticipant(in.local.DeviceName, UserIDTypeDeviceName, true, Code{}),
		}
	}

	var classes []SOPClass
	for i, d := range in.details {
		if d.SOPClassUID == "" {
			continue
		}
		n := 0
		if d.SOPInstanceUID != "" {
			var err error
			if n, err = strconv.Atoi(d.SOPInstanceUID); err != nil || n < 0 {
				return fmt.Errorf("detail %d: invalid instance count %q", i+1, d.SOPInstanceUID)
			}
		}
		classes = append(classes, SOPClass{UID: d.SOPClassUID, NumberOfInstances: n})
	}
	desc := &ObjectDescription{Accessions: nonEmpty(h.AccessionNumber), SOPClasses: classes}
	rec.ParticipantObjects = []ParticipantObject{studyObject(h.StudyUID, desc, h.StudyDate, LifeCyclePermanentErasure)}
	in.appendPatient(rec, h.PatientID, h.PatientName)
	return nil
}

func buildQuery(in *buildInput, rec *AuditRecord) error {
	h := in.header
	rec.ActiveParticipants = in.symmetricParticipants()
	po := ParticipantObject{
		ID:       h.QueryPOID,
		TypeCode: ObjectTypeSystemObject,
		Query:    []byte(h.QueryString),
	}
	if in.desc.Code == CodeQueryQIDO {
		po.IDTypeCode = ObjectIDTypeQIDOQuery
		po.TypeCodeRole = ObjectRoleQuery
		po.Details = []ObjectDetail{{Type: DetailQueryEncoding, Value: "UTF-8"}}
	} else {
		po.IDTypeCode = ObjectIDTypeSOPClassUID
		po.TypeCodeRole = ObjectRoleReport
		po.Details = []ObjectDetail{{Type: DetailTransferSyntax, Value: implicitVRLittleEndian}}
	}
	rec.ParticipantObjects = []ParticipantObject{po}
	return nil
}

func buildPatientRecord(in *buildInput, rec *AuditRecord) error {
	h := in.header
	rec.ActiveParticipants = in.symmetricParticipants()
	po, ok := in.patientObject(h.PatientID, h.PatientName)
	if !ok {
		return fmt.Errorf("no patient ID")
	}
	if h.HL7MessageType != "" {
		po.Details = []ObjectDetail{{Type: DetailHL7MessageType, Value: h.HL7MessageType}}
	}
	rec.ParticipantObjects = []ParticipantObject{po}
	return nil
}

func buildProcedureRecord(in *buildInput, rec *AuditRecord) error {
	h := in.header
	rec.ActiveParticipants = in.symmetricParticipants()
	desc := &ObjectDescription{Accessions: nonEmpty(h.AccessionNumber)}
	study := studyObject(h.StudyUID, desc, h.StudyDate, "")
	if h.HL7MessageType != "" {
		study.Details = append(study.Details, ObjectDetail{Type: DetailHL7MessageType, Value: h.HL7MessageType})
	}
	rec.ParticipantObjects = []ParticipantObject{study}
	in.appendPatient(rec, h.PatientID, h.PatientName)
	return nil
}

func buildProvideRegister(in *buildInput, rec *AuditRecord) error {
	h := in.header
	archiveID := in.archiveUserID()
	archiveType := archiveUserIDTypeCode(archiveID, in.local.DeviceName)
	destID, destNAP := h.DestUserID, h.DestNapID
	if destID == "" {
		destID, destNAP = h.CalledUserID, h.CalledHost
	}
	var aps []ActiveParticipant
	if h.CallingUserID != "" {
		aps = append(aps, participant(h.CallingUserID, h.CallingHost, userIDTypeCode(h.CallingUserID), true, Code{}))
	}
	aps = append(aps,
		in.localParticipant(archiveID, archiveType, h.CallingUserID == "", in.desc.SourceRole),
		participant(destID, destNAP, UserIDTypeURI, false, in.desc.DestinationRole),
	)
	rec.ActiveParticipants = aps
	in.appendPatient(rec, h.PatientID, h.PatientName)
	rec.ParticipantObjects = append(rec.ParticipantObjects, ParticipantObject{
		ID:           h.SubmissionSetUID,
		IDTypeCode:   ObjectIDTypeXDSMetadata,
		TypeCode:     ObjectTypeSystemObject,
		TypeCodeRole: ObjectRoleJob,
	})
	return nil
}

// buildStorageCommit emits one study object per study UID in the header,
// which may list several separated by ';'.
func buildStorageCommit(in *buildInput, rec *AuditRecord) error {
	h := in.header
	rec.ActiveParticipants = in.symmetricParticipants()
	uids := nonEmpty(strings.Split(h.StudyUID, studyUIDSeparator)...)
	for _, uid := range uids {
		var matching []Record
		for _, d := range in.details {
			if d.StudyUID == uid || (d.StudyUID == "" && len(uids) == 1) {
				matching = append(matching, d)
			}
		}
		desc := &ObjectDescription{SOPClasses: sopClasses(matching, h.FailedIUIDShow)}
		rec.ParticipantObjects = append(rec.ParticipantObjects, studyObject(uid, desc, "", LifeCycleVerification))
	}
	in.appendPatient(rec, h.PatientID, h.PatientName)
	return nil
}

func buildInstancesRetrieved(in *buildInput, rec *AuditRecord) error {
	h := in.header
	var aps []ActiveParticipant
	if h.CallingUserID != "" {
		aps = append(aps, participant(h.CallingUserID, h.CallingHost, userIDTypeCode(h.CallingUserID), true, Code{}))
	}
	mover := h.MoveUserID
	if mover == "" {
		mover = in.local.DeviceName
	}
	aps = append(aps,
		in.localParticipant(mover, archiveUserIDTypeCode(mover, in.local.DeviceName), h.CallingUserID == "", Code{}),
		participant(h.CalledUserID, h.CalledHost, UserIDTypeStationAETitle, false, in.desc.SourceRole),
		participant(h.DestUserID, h.DestNapID, UserIDTypeStationAETitle, false, in.desc.DestinationRole),
	)
	rec.ActiveParticipants = aps
	desc := &ObjectDescription{Accessions: nonEmpty(h.AccessionNumber)}
	rec.ParticipantObjects = []ParticipantObject{studyObject(h.StudyUID, desc, h.StudyDate, "")}
	return nil
}

func buildSoftwareConfiguration(in *buildInput, rec *AuditRecord) error {
	h := in.header
	if h.CallingUserID != "" || h.CallingHost != "" {
		id := h.CallingUserID
		if id == "" {
			id = h.CallingHost
		}
		rec.ActiveParticipants = []ActiveParticipant{participant(id, h.CallingHost, userIDTypeCode(id), true, Code{})}
	} else {
		rec.ActiveParticipants = []ActiveParticipant{in.localParticipant(in.local.DeviceName, UserIDTypeDeviceName, true, Code{})}
	}
	po := ParticipantObject{
		ID:         h.CalledUserID,
		IDTypeCode: ObjectIDTypeDeviceName,
		TypeCode:   ObjectTypeSystemObject,
	}
	if h.Detail != "" {
		po.Details = []ObjectDetail{{Type: DetailAlertDescription, Value: h.Detail}}
	}
	rec.ParticipantObjects = []ParticipantObject{po}
	return nil
}
