package retrypolicy

import (
	"errors"
	"testing"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
)

func TestClassify_ThrottleResponse(t *testing.T) {
	fault := &platform.Fault{StatusCode: 429, Message: "Too many requests"}
	if got := Classify(fault, nil); got != ThrottleResponse {
		t.Errorf("got %s, want ThrottleResponse", got)
	}
	if !ThrottleResponse.Retryable() {
		t.Errorf("ThrottleResponse must be retryable")
	}
}

func TestClassify_ServerDeadlock(t *testing.T) {
	for _, code := range []int{1205, 3732} {
		fault := &platform.Fault{PlatformCode: code, Message: "deadlock"}
		if got := Classify(fault, nil); got != ServerDeadlock {
			t.Errorf("code %d: got %s, want ServerDeadlock", code, got)
		}
	}
}

func TestClassify_TransientNetwork_FromTransportError(t *testing.T) {
	err := errors.New("dial tcp: i/o timeout")
	if got := Classify(nil, err); got != TransientNetwork {
		t.Errorf("got %s, want TransientNetwork", got)
	}
}

func TestClassify_TransientNetwork_From5xx(t *testing.T) {
	fault := &platform.Fault{StatusCode: 500, Message: "internal server error"}
	if got := Classify(fault, nil); got != TransientNetwork {
		t.Errorf("got %s, want TransientNetwork", got)
	}
}

func TestClassify_FatalBusiness(t *testing.T) {
	fault := &platform.Fault{StatusCode: 400, Message: "required field missing"}
	got := Classify(fault, nil)
	if got != FatalBusiness {
		t.Errorf("got %s, want FatalBusiness", got)
	}
	if got.Retryable() {
		t.Errorf("FatalBusiness must not be retryable")
	}
}

func TestClassify_FatalBusiness_NilFaultNilErr(t *testing.T) {
	if got := Classify(nil, nil); got != FatalBusiness {
		t.Errorf("got %s, want FatalBusiness", got)
	}
}

func TestIsBulkRefusal(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Multiple is not supported for entity contact", true},
		{"bulk create is not enabled on the entity account", true},
		{"required field missing", false},
	}
	for _, c := range cases {
		fault := &platform.Fault{Message: c.msg}
		if got := IsBulkRefusal(fault); got != c.want {
			t.Errorf("IsBulkRefusal(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
	if IsBulkRefusal(nil) {
		t.Errorf("IsBulkRefusal(nil) must be false")
	}
}
