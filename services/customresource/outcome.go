package customresource

import (
	"github.com/aws/aws-lambda-go/cfn"
	"github.com/google/uuid"
)

// Outcome is the terminal result of one lifecycle event.
type Outcome struct {
	Status             cfn.StatusType
	Reason             string
	PhysicalResourceID string
	Data               map[string]any
}

// Success builds a SUCCESS outcome.
func Success(physicalID string, data map[string]any) Outcome {
	return Outcome{Status: cfn.StatusSuccess, PhysicalResourceID: physicalID, Data: data}
}

// Failure builds a FAILED outcome whose reason is err's message. The reason is also
// echoed in Data.
func Failure(physicalID string, err error) Outcome {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return Outcome{
		Status:             cfn.StatusFailed,
		Reason:             reason,
		PhysicalResourceID: physicalID,
		Data:               map[string]any{"Reason": reason},
	}
}

var physicalIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("dbstack/custom-resource"))

// StableID returns the physical id already assigned to the resource, or a name-based
// UUID derived from the stack and logical id. The same resource always maps to the
// same value so Update never looks like a replacement.
func StableID(e cfn.Event) string {
	if e.PhysicalResourceID != "" {
		return e.PhysicalResourceID
	}
	return uuid.NewSHA1(physicalIDNamespace, []byte(e.StackID+"/"+e.LogicalResourceID)).String()
}

// DefaultReason points operators at the invocation's log stream.
func DefaultReason(logStream string) string {
	return "See CloudWatch Log Stream: " + logStream
}
