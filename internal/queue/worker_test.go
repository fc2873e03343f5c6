package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "org-bootstrap-meridian-clinic", WorkflowID("meridian-clinic"))
	// Same slug always maps to the same workflow id so duplicate submissions
	// collapse onto one execution.
	assert.Equal(t, WorkflowID("acme"), WorkflowID("acme"))
}
