package auditspool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownEventType is returned for an event code missing from the table.
var ErrUnknownEventType = errors.New("auditspool: unknown event type")

// EventClass groups event types that are turned into audit records the same
// way. Dispatch on the processing path is keyed by class.
type EventClass string

// Event classes.
const (
	ClassApplicationActivity   EventClass = "application_activity"
	ClassConnectionReject      EventClass = "connection_reject"
	ClassStoreWADO             EventClass = "store_wado"
	ClassRetrieve              EventClass = "retrieve"
	ClassUserDeleted           EventClass = "user_deleted"
	ClassSchedulerDeleted      EventClass = "scheduler_deleted"
	ClassQuery                 EventClass = "query"
	ClassHL7                   EventClass = "hl7"
	ClassProcedure             EventClass = "procedure"
	ClassProvideRegister       EventClass = "provide_register"
	ClassStorageCommit         EventClass = "storage_commit"
	ClassInstancesRetrieved    EventClass = "instances_retrieved"
	ClassSoftwareConfiguration EventClass = "software_configuration"
)

// Event type codes of the default table. A code is the file name prefix of
// every spool file holding an event of that type.
const (
	CodeApplicationStart     = "APPLNSTART"
	CodeApplicationStop      = "APPLN_STOP"
	CodeConnectionRejected   = "CONN__RJCT"
	CodeStoreCreate          = "STORE_CREA"
	CodeStoreUpdate          = "STORE_UPDT"
	CodeWADORetrieve         = "WADO___URI"
	CodeRetrieveBegin        = "RTRV_BEGIN"
	CodeRetrieveTransfer     = "RTRV_TRF__"
	CodeMoveBegin            = "RTRV_B_MOV"
	CodeMoveTransfer         = "RTRV_T_MOV"
	CodeExportTransfer       = "RTRV_T_EXP"
	CodeRejectPartial        = "RJ_PARTIAL"
	CodeRejectComplete       = "RJ_COMPLET"
	CodeDeleteWeb            = "PRMDLT_WEB"
	CodeDeleteScheduler      = "PRMDLT_SCH"
	CodeQueryQIDO            = "QUERY_QIDO"
	CodeQueryFind            = "QUERY__EVT"
	CodePatientCreate        = "PAT_CREATE"
	CodePatientUpdate        = "PAT_UPDATE"
	CodePatientDelete        = "PAT_DELETE"
	CodeProcedureCreate      = "PROC_STD_C"
	CodeProcedureUpdate      = "PROC_STD_U"
	CodeProcedureDelete      = "PROC_STD_D"
	CodeProcedureRead        = "PROC_STD_R"
	CodeProvideRegister      = "PROV_REGIS"
	CodeStorageCommit        = "STG_COMMIT"
	CodeInstancesRetrieved   = "INST_RETRV"
	CodeSoftwareConfigChange = "LDAP_CHNGS"
)

// EventTypeDescriptor is the static description of one event type.
type EventTypeDescriptor struct {
	Code            string     // file name prefix, must not contain '-'
	Class           EventClass // selects the record builder
	EventID         Code
	ActionCode      string
	EventType       Code // optional
	SourceRole      Code // role of the sending side
	DestinationRole Code // role of the receiving side
	IsSource        bool // the calling principal sends, the local system receives
	IsDest          bool // the local system sends to the calling principal
	IsOther         bool // a third participant, such as a move originator, takes part
	Aggregatable    bool // events may be merged into one file per study
}

// Table maps event codes to their descriptors. It is built once and is
// read-only afterwards.
type Table struct {
	byCode  map[string]EventTypeDescriptor
	schemas map[EventClass]HeaderSchema
}

// NewTable builds a table from descs. Codes must be unique, non-empty and
// free of '-' and path separators since they are parsed back from file names.
func NewTable(descs ...EventTypeDescriptor) (*Table, error) {
	t := &Table{
		byCode:  make(map[string]EventTypeDescriptor, len(descs)),
		schemas: defaultSchemas(),
	}
	for _, d := range descs {
		if d.Code == "" || strings.ContainsAny(d.Code, `-/\.`) {
			return nil, fmt.Errorf("auditspool: invalid event code %q", d.Code)
		}
		if d.Class == "" {
			return nil, fmt.Errorf("auditspool: event code %s has no class", d.Code)
		}
		if _, dup := t.byCode[d.Code]; dup {
			return nil, fmt.Errorf("auditspool: duplicate event code %s", d.Code)
		}
		t.byCode[d.Code] = d
	}
	return t, nil
}

// Resolve returns the descriptor registered for code.
func (t *Table) Resolve(code string) (EventTypeDescriptor, error) {
	d, ok := t.byCode[code]
	if !ok {
		return EventTypeDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownEventType, code)
	}
	return d, nil
}

// MustResolve is like Resolve but panics for an unknown code.
func (t *Table) MustResolve(code string) EventTypeDescriptor {
	d, err := t.Resolve(code)
	if err != nil {
		panic(err)
	}
	return d
}

// Codes returns all registered codes in sorted order.
func (t *Table) Codes() []string {
	codes := make([]string, 0, len(t.byCode))
	for c := range t.byCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

var defaultTable *Table

func init() {
	t, err := NewTable(defaultDescriptors()...)
	if err != nil {
		panic(err)
	}
	defaultTable = t
}

// DefaultTable returns the built-in archive event catalog.
func DefaultTable() *Table { return defaultTable }

func defaultDescriptors() []EventTypeDescriptor {
	return []EventTypeDescriptor{
		{Code: CodeApplicationStart, Class: ClassApplicationActivity, EventID: EventIDApplicationActivity, ActionCode: ActionExecute,
			EventType: EventTypeApplicationStart, SourceRole: RoleApplicationLauncher, DestinationRole: RoleApplication},
		{Code: CodeApplicationStop, Class: ClassApplicationActivity, EventID: EventIDApplicationActivity, ActionCode: ActionExecute,
			EventType: EventTypeApplicationStop, SourceRole: RoleApplicationLauncher, DestinationRole: RoleApplication},
		{Code: CodeConnectionRejected, Class: ClassConnectionReject, EventID: EventIDSecurityAlert, ActionCode: ActionExecute,
			EventType: EventTypeNodeAuthentication},

		{Code: CodeStoreCreate, Class: ClassStoreWADO, EventID: EventIDInstancesTransferred, ActionCode: ActionCreate,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true, Aggregatable: true},
		{Code: CodeStoreUpdate, Class: ClassStoreWADO, EventID: EventIDInstancesTransferred, ActionCode: ActionUpdate,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true, Aggregatable: true},
		{Code: CodeWADORetrieve, Class: ClassStoreWADO, EventID: EventIDInstancesTransferred, ActionCode: ActionRead,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true, Aggregatable: true},

		{Code: CodeRetrieveBegin, Class: ClassRetrieve, EventID: EventIDBeginTransferring, ActionCode: ActionExecute,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true},
		{Code: CodeRetrieveTransfer, Class: ClassRetrieve, EventID: EventIDInstancesTransferred, ActionCode: ActionRead,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true, Aggregatable: true},
		{Code: CodeMoveBegin, Class: ClassRetrieve, EventID: EventIDBeginTransferring, ActionCode: ActionExecute,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true, IsOther: true},
		{Code: CodeMoveTransfer, Class: ClassRetrieve, EventID: EventIDInstancesTransferred, ActionCode: ActionRead,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true, IsOther: true},
		{Code: CodeExportTransfer, Class: ClassRetrieve, EventID: EventIDInstancesTransferred, ActionCode: ActionRead,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true, IsOther: true},

		{Code: CodeRejectPartial, Class: ClassUserDeleted, EventID: EventIDInstancesAccessed, ActionCode: ActionDelete},
		{Code: CodeRejectComplete, Class: ClassUserDeleted, EventID: EventIDStudyDeleted, ActionCode: ActionDelete},
		{Code: CodeDeleteWeb, Class: ClassUserDeleted, EventID: EventIDStudyDeleted, ActionCode: ActionDelete},
		{Code: CodeDeleteScheduler, Class: ClassSchedulerDeleted, EventID: EventIDStudyDeleted, ActionCode: ActionDelete},

		{Code: CodeQueryQIDO, Class: ClassQuery, EventID: EventIDQuery, ActionCode: ActionExecute,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodeQueryFind, Class: ClassQuery, EventID: EventIDQuery, ActionCode: ActionExecute,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},

		{Code: CodePatientCreate, Class: ClassHL7, EventID: EventIDPatientRecord, ActionCode: ActionCreate,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodePatientUpdate, Class: ClassHL7, EventID: EventIDPatientRecord, ActionCode: ActionUpdate,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodePatientDelete, Class: ClassHL7, EventID: EventIDPatientRecord, ActionCode: ActionDelete,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},

		{Code: CodeProcedureCreate, Class: ClassProcedure, EventID: EventIDProcedureRecord, ActionCode: ActionCreate,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodeProcedureUpdate, Class: ClassProcedure, EventID: EventIDProcedureRecord, ActionCode: ActionUpdate,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodeProcedureDelete, Class: ClassProcedure, EventID: EventIDProcedureRecord, ActionCode: ActionDelete,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodeProcedureRead, Class: ClassProcedure, EventID: EventIDProcedureRecord, ActionCode: ActionRead,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},

		{Code: CodeProvideRegister, Class: ClassProvideRegister, EventID: EventIDExport, ActionCode: ActionRead,
			EventType: EventTypeProvideAndRegister, SourceRole: RoleSource, DestinationRole: RoleDestination, IsDest: true},
		{Code: CodeStorageCommit, Class: ClassStorageCommit, EventID: EventIDInstancesTransferred, ActionCode: ActionExecute,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsSource: true},
		{Code: CodeInstancesRetrieved, Class: ClassInstancesRetrieved, EventID: EventIDInstancesTransferred, ActionCode: ActionExecute,
			SourceRole: RoleSource, DestinationRole: RoleDestination, IsOther: true},
		{Code: CodeSoftwareConfigChange, Class: ClassSoftwareConfiguration, EventID: EventIDSecurityAlert, ActionCode: ActionExecute,
			EventType: EventTypeSoftwareConfiguration},
	}
}
