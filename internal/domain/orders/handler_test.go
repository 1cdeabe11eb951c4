package orders

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/internal/platform/validation"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	h := NewHandler(env.svc)
	e := echo.New()
	e.Validator = validation.New()
	return h, env, e
}

func newRequest(method, body string, actor auth.Actor) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithIdentity(req.Context(), actor.UserID, actor.Roles, nil))
}

func newOrderContext(e *echo.Echo, req *http.Request, id int64) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(id, 10))
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError %d, got %v", code, err)
	}
	if he.Code != code {
		t.Fatalf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
	return he
}

func TestHandler_RegisterOrder(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient_ref":"P-1","site_ref":"S-1","analyses":[{"analysis_id":10,"price":12.5}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, body, reception), rec)

	if err := h.RegisterOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Order.State != StateRegistered || len(snap.Analyses) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestHandler_RegisterOrder_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(newRequest(http.MethodPost, `{"patient_ref":"P-1"}`, reception), httptest.NewRecorder())
	expectHTTPError(t, h.RegisterOrder(c), http.StatusBadRequest)
}

func TestHandler_RegisterOrder_UnknownAnalysis(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient_ref":"P-1","site_ref":"S-1","analyses":[{"analysis_id":999}]}`
	c := e.NewContext(newRequest(http.MethodPost, body, reception), httptest.NewRecorder())
	expectHTTPError(t, h.RegisterOrder(c), http.StatusUnprocessableEntity)
}

func TestHandler_GetOrder(t *testing.T) {
	h, env, e := newTestHandler()
	snap, _, _ := env.register(t)

	c, rec := newOrderContext(e, newRequest(http.MethodGet, "", labTech), snap.Order.ID)
	if err := h.GetOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newOrderContext(e, newRequest(http.MethodGet, "", labTech), 999)
	expectHTTPError(t, h.GetOrder(c), http.StatusNotFound)

	c = e.NewContext(newRequest(http.MethodGet, "", labTech), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")
	expectHTTPError(t, h.GetOrder(c), http.StatusBadRequest)
}

func TestHandler_ListOrders(t *testing.T) {
	h, env, e := newTestHandler()
	env.register(t)
	env.register(t)

	req := newRequest(http.MethodGet, "", labTech)
	req.URL.RawQuery = "state=registered&limit=1"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data    []Order `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestHandler_SaveResults_ValidationIs422(t *testing.T) {
	h, env, e := newTestHandler()
	snap, _, _ := env.register(t)

	body := `{"entries":[{"order_analysis_id":9999,"component_id":101,"value":"5"}]}`
	c, _ := newOrderContext(e, newRequest(http.MethodPost, body, labTech), snap.Order.ID)
	he := expectHTTPError(t, h.SaveResults(c), http.StatusUnprocessableEntity)
	msg, ok := he.Message.(map[string]interface{})
	if !ok || len(msg["issues"].([]string)) != 1 {
		t.Errorf("expected one issue, got %v", he.Message)
	}
}

func TestHandler_SaveResults_BadEntry(t *testing.T) {
	h, env, e := newTestHandler()
	snap, _, _ := env.register(t)

	body := `{"entries":[{"order_analysis_id":0,"component_id":101,"value":"5"}]}`
	c, _ := newOrderContext(e, newRequest(http.MethodPost, body, labTech), snap.Order.ID)
	expectHTTPError(t, h.SaveResults(c), http.StatusBadRequest)
}

func TestHandler_ApprovalFlow(t *testing.T) {
	h, env, e := newTestHandler()
	id, _, _ := env.registerWithResults(t, "25")

	// Approve: critical value, confirmation required.
	c, rec := newOrderContext(e, newRequest(http.MethodPost, "", bioanalyst), id)
	if err := h.Approve(c); err != nil {
		t.Fatalf("approve: %v", err)
	}
	var res ApprovalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.RequiresConfirmation || res.ConfirmationToken == "" {
		t.Fatalf("expected confirmation required, got %+v", res)
	}

	// Confirm without acknowledging the alerts.
	c, _ = newOrderContext(e, newRequest(http.MethodPost, `{"accepted":true}`, bioanalyst), id)
	expectHTTPError(t, h.ConfirmApproval(c), http.StatusPreconditionRequired)

	// Decline.
	c, rec = newOrderContext(e, newRequest(http.MethodPost, `{"accepted":false}`, bioanalyst), id)
	if err := h.ConfirmApproval(c); err != nil {
		t.Fatalf("decline: %v", err)
	}
	var declined declinedResponse
	json.Unmarshal(rec.Body.Bytes(), &declined)
	if rec.Code != http.StatusOK || !declined.Declined || declined.Approved {
		t.Errorf("expected declined response, got %d %s", rec.Code, rec.Body.String())
	}

	// Confirm with the token.
	body := `{"accepted":true,"confirmation_token":"` + res.ConfirmationToken + `"}`
	c, rec = newOrderContext(e, newRequest(http.MethodPost, body, bioanalyst), id)
	if err := h.ConfirmApproval(c); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var snap Snapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.Order == nil || snap.Order.State != StateApproved {
		t.Errorf("expected approved, got %s", rec.Body.String())
	}

	// Approving again is a conflict.
	c, _ = newOrderContext(e, newRequest(http.MethodPost, "", bioanalyst), id)
	expectHTTPError(t, h.Approve(c), http.StatusConflict)
}

func TestHandler_MarkPrinted_Conflict(t *testing.T) {
	h, env, e := newTestHandler()
	id, _, _ := env.registerWithResults(t, "13")
	c, _ := newOrderContext(e, newRequest(http.MethodPost, "", dispatcher), id)
	expectHTTPError(t, h.MarkPrinted(c), http.StatusConflict)
}

func TestHandler_PermissionIs403(t *testing.T) {
	h, env, e := newTestHandler()
	id, _, _ := env.registerWithResults(t, "13")
	c, _ := newOrderContext(e, newRequest(http.MethodPost, "", labTech), id)
	expectHTTPError(t, h.Approve(c), http.StatusForbidden)
}

func TestHandler_PreviewAlerts(t *testing.T) {
	h, env, e := newTestHandler()
	id, _, _ := env.registerWithResults(t, "2")
	c, rec := newOrderContext(e, newRequest(http.MethodPost, "", labTech), id)
	if err := h.PreviewAlerts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Alerts []CriticalAlert `json:"alerts"`
		Token  string          `json:"confirmation_token"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Alerts) != 1 || out.Token == "" {
		t.Errorf("expected one alert with token, got %s", rec.Body.String())
	}
}

func TestHandler_SheetRoundTrip(t *testing.T) {
	h, env, e := newTestHandler()
	snap, hem, _ := env.register(t)
	id := snap.Order.ID

	c, rec := newOrderContext(e, newRequest(http.MethodGet, "", labTech), id)
	if err := h.ExportSheet(c); err != nil {
		t.Fatalf("export: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != xlsxContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), "order-") {
		t.Error("expected attachment filename")
	}

	filled := fillSheetValue(t, rec.Body.Bytes(), hem, 101, "14.2")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "results.xlsx")
	fw.Write(filled)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	req = req.WithContext(auth.WithIdentity(req.Context(), labTech.UserID, labTech.Roles, nil))
	c, rec = newOrderContext(e, req, id)
	if err := h.ImportSheet(c); err != nil {
		t.Fatalf("import: %v", err)
	}
	var got Snapshot
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Order == nil || got.Order.State != StateHasResults {
		t.Fatalf("expected import to save results, got %s", rec.Body.String())
	}
	if v, _ := env.repo.value(id, hem, 101); v != "14.2" {
		t.Errorf("expected imported value 14.2, got %q", v)
	}
}

func TestHandler_ImportSheet_MissingFile(t *testing.T) {
	h, env, e := newTestHandler()
	snap, _, _ := env.register(t)
	c, _ := newOrderContext(e, newRequest(http.MethodPost, "", labTech), snap.Order.ID)
	expectHTTPError(t, h.ImportSheet(c), http.StatusBadRequest)
}

// -- Routing --

func withActor(actor auth.Actor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), actor.UserID, actor.Roles, nil)))
			return next(c)
		}
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	tests := []struct {
		name   string
		actor  auth.Actor
		method string
		path   string
		body   string
		want   int
	}{
		{"reception registers", reception, http.MethodPost, "/api/v1/orders", `{"patient_ref":"P","site_ref":"S","analyses":[{"analysis_id":20}]}`, http.StatusCreated},
		{"lab tech cannot register", labTech, http.MethodPost, "/api/v1/orders", `{"patient_ref":"P","site_ref":"S","analyses":[{"analysis_id":20}]}`, http.StatusForbidden},
		{"dispatcher can list", dispatcher, http.MethodGet, "/api/v1/orders", "", http.StatusOK},
		{"dispatcher cannot save results", dispatcher, http.MethodPost, "/api/v1/orders/1/results/save", `{"entries":[]}`, http.StatusForbidden},
		{"lab tech cannot approve", labTech, http.MethodPost, "/api/v1/orders/1/approve", "", http.StatusForbidden},
		{"admin reads any order", auth.NewActor("u-admin", []string{auth.RoleAdmin}, nil), http.MethodGet, "/api/v1/orders/1", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler()
			h.RegisterRoutes(e.Group("/api/v1", withActor(tt.actor)))

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
