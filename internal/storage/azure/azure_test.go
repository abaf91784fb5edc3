package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/markd/internal/storage"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing account", cfg: Config{Container: "markd", AccountKey: "a2V5"}},
		{name: "missing container", cfg: Config{Account: "acct", AccountKey: "a2V5"}},
		{name: "missing credentials", cfg: Config{Account: "acct", Container: "markd"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := newClient(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewClientDefaultsEndpoint(t *testing.T) {
	t.Parallel()

	_, endpoint, err := newClient(Config{Account: "acct", Container: "markd", SASToken: "?sv=2024&sig=abc"})
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if endpoint != "https://acct.blob.core.windows.net" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestAppendSASToken(t *testing.T) {
	t.Parallel()

	got, err := appendSASToken("https://acct.blob.core.windows.net/?comp=list", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("appendSASToken: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=1&sig=x" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestBlobNameRoundTrip(t *testing.T) {
	t.Parallel()

	s := &Store{prefix: "tenant"}
	name, err := s.blobName("snap/markingDatas.json")
	if err != nil {
		t.Fatalf("blobName: %v", err)
	}
	if name != "tenant/snap/markingDatas.json" {
		t.Fatalf("unexpected blob name %q", name)
	}
	key, ok := s.logicalKey(name)
	if !ok || key != "snap/markingDatas.json" {
		t.Fatalf("unexpected logical key %q ok=%v", key, ok)
	}
	if _, ok := s.logicalKey("other/projects.json"); ok {
		t.Fatal("expected blob outside prefix to be skipped")
	}
	if _, err := s.blobName("/"); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("expected 404 to be not found")
	}
	if !isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("expected 412 to be precondition failed")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
	if !storage.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: get")) {
		t.Fatal("expected 503 to be transient")
	}
	if storage.IsTransient(wrapError(errors.New("boom"), "azure: get")) {
		t.Fatal("expected plain error to be permanent")
	}
}
