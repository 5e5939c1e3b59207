package core

// Document is a record from one of the business tables, keyed by column name.
type Document = map[string]any

// ExecutionContext is the transient, in-memory state of one execution. A
// single instance is created per run and passed by pointer through the whole
// graph walk: actions mutate CreatedDocuments in place, and later nodes see
// earlier nodes' writes, including across sibling branches after a fan-out.
// Last write wins per document-type key.
//
// The walk is strictly sequential, so no locking is needed here.
type ExecutionContext struct {
	TenantID string

	// TriggerData is the arbitrary input payload the execution was started with.
	TriggerData map[string]any

	// CreatedDocuments maps a document-type key ("project", "serviceOrder",
	// "invoice", ...) to the most recently created record of that type within
	// this execution. This is how later nodes reference earlier nodes' output.
	CreatedDocuments map[string]Document
}

func NewExecutionContext(tenantID string, triggerData map[string]any) *ExecutionContext {
	if triggerData == nil {
		triggerData = map[string]any{}
	}

	return &ExecutionContext{
		TenantID:         tenantID,
		TriggerData:      triggerData,
		CreatedDocuments: map[string]Document{},
	}
}

// PutDocument records the most recently created document for the given type key.
func (ec *ExecutionContext) PutDocument(documentType string, doc Document) {
	ec.CreatedDocuments[documentType] = doc
}

// Document returns the most recently created document for the given type key.
func (ec *ExecutionContext) Document(documentType string) (Document, bool) {
	doc, ok := ec.CreatedDocuments[documentType]
	return doc, ok
}

// DocumentID returns the id of the most recently created document for the
// given type key, if one exists and carries a string id.
func (ec *ExecutionContext) DocumentID(documentType string) (string, bool) {
	doc, ok := ec.CreatedDocuments[documentType]
	if !ok {
		return "", false
	}

	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}

// Field looks up a field value for conditions: trigger data first, then the
// most recently created document of the configured type.
func (ec *ExecutionContext) Field(documentType, fieldName string) (any, bool) {
	if v, ok := ec.TriggerData[fieldName]; ok {
		return v, true
	}

	if documentType != "" {
		if doc, ok := ec.CreatedDocuments[documentType]; ok {
			if v, ok := doc[fieldName]; ok {
				return v, true
			}
		}
	}

	return nil, false
}
