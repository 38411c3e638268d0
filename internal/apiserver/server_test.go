package apiserver

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbide-infra/carbide/internal/dns"
	"github.com/carbide-infra/carbide/internal/firmware"
	"github.com/carbide-infra/carbide/internal/health"
	"github.com/carbide-infra/carbide/internal/network"
	"github.com/carbide-infra/carbide/internal/remediation"
	"github.com/carbide-infra/carbide/internal/service"
)

func testServer() *Server {
	alloc := network.NewAllocator()
	svc := &service.Service{
		Allocator:    alloc,
		Resolver:     dns.NewResolver(alloc),
		Remediations: remediation.NewCatalog(),
		Firmware:     firmware.New(logr.Discard(), nil),
	}
	return New(svc, logr.Discard())
}

func TestLookupRecord_NotFoundReturns404(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/dns/lookup?qname=nowhere.example.", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLookupRecord_Found(t *testing.T) {
	s := testServer()
	s.svc.Resolver.SetStaticRecord("host.example.", net.ParseIP("10.0.0.7"))

	req := httptest.NewRequest(http.MethodGet, "/v1/dns/lookup?qname=host.example.", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.7")
}

func TestAllocateInstance_RejectsMalformedMachineID(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/instances/allocate", strings.NewReader(`{"machine_id":"Not A Valid Label!"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFirmwareAvailable_ReflectsDiskState(t *testing.T) {
	s := testServer()
	dir := t.TempDir()
	path := filepath.Join(dir, "firmware.bin")
	require.NoError(t, os.WriteFile(path, []byte("fw"), 0o600))

	req := httptest.NewRequest(http.MethodGet, "/v1/firmware/available?path="+path, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":true`)
}

func TestCreateRemediation_RejectsMissingActor(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/remediations", strings.NewReader(`{"remediation":{"script":"echo hi"}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthOverrides_InsertThenList(t *testing.T) {
	s := testServer()
	s.svc.Health = health.New()

	insertReq := httptest.NewRequest(http.MethodPost, "/v1/health/overrides", strings.NewReader(
		`{"machine_id":"abcdef0123456789abcdef0123456789abcdef0123456789abcdef01234567","mode":0,"report":{"source":"hardware"}}`))
	insertRec := httptest.NewRecorder()
	s.ServeHTTP(insertRec, insertReq)
	require.Equal(t, http.StatusNoContent, insertRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/health/overrides?machine_id=abcdef0123456789abcdef0123456789abcdef0123456789abcdef01234567", nil)
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "hardware")
}

func TestNextRemediation_NoneAvailable(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/remediations/next?dpu_id=abcdef0123456789abcdef0123456789abcdef0123456789abcdef01234567", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"found":false`)
}

