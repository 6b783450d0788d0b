package auditspool

import (
	"errors"
	"fmt"
)

// ErrSchemaViolation is returned by Spool for a header missing a field its
// event class needs to be turned into an audit record.
var ErrSchemaViolation = errors.New("auditspool: schema violation")

// HeaderSchema lists the header fields that must be present for an event
// class. Detail records are not validated.
//
// Example:
//
//	table.RegisterSchema(auditspool.ClassQuery, auditspool.HeaderSchema{
//		RequiredFields: []auditspool.Field{auditspool.FieldQueryPOID},
//	})
type HeaderSchema struct {
	RequiredFields []Field
}

func defaultSchemas() map[EventClass]HeaderSchema {
	return map[EventClass]HeaderSchema{
		ClassStoreWADO:             {RequiredFields: []Field{FieldCalledUserID, FieldStudyUID}},
		ClassRetrieve:              {RequiredFields: []Field{FieldCalledUserID}},
		ClassUserDeleted:           {RequiredFields: []Field{FieldStudyUID}},
		ClassSchedulerDeleted:      {RequiredFields: []Field{FieldStudyUID}},
		ClassQuery:                 {RequiredFields: []Field{FieldCalledUserID, FieldQueryPOID}},
		ClassHL7:                   {RequiredFields: []Field{FieldPatientID}},
		ClassProcedure:             {RequiredFields: []Field{FieldStudyUID}},
		ClassProvideRegister:       {RequiredFields: []Field{FieldSubmissionSetUID}},
		ClassStorageCommit:         {RequiredFields: []Field{FieldStudyUID}},
		ClassInstancesRetrieved:    {RequiredFields: []Field{FieldStudyUID}},
		ClassConnectionReject:      {RequiredFields: []Field{FieldCallingHost}},
		ClassSoftwareConfiguration: {RequiredFields: []Field{FieldCalledUserID}},
	}
}

// RegisterSchema replaces the header schema of class. It must be called
// before the table is handed to a Pipeline.
func (t *Table) RegisterSchema(class EventClass, s HeaderSchema) {
	t.schemas[class] = s
}

// ValidateHeader checks header against the schema registered for the class
// of d. Classes without a schema accept any header.
func (t *Table) ValidateHeader(d EventTypeDescriptor, header Record) error {
	s, ok := t.schemas[d.Class]
	if !ok {
		return nil
	}
	for _, f := range s.RequiredFields {
		if header.Get(f) == "" {
			return fmt.Errorf("%w for %s: missing required field %s", ErrSchemaViolation, d.Code, f)
		}
	}
	return nil
}
