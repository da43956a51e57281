package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustbank/internal/auth"
	"github.com/mbd888/trustbank/internal/ledger"
	"github.com/mbd888/trustbank/internal/trust"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	*harness
	router *gin.Engine
	apiKey string
	userID string
}

func newAPI(t *testing.T, binding ledger.Binding) *apiFixture {
	t.Helper()
	h := newHarness(t, binding)
	handler := NewHandler(h.svc, h.users, h.keys)

	r := gin.New()
	r.Use(auth.Middleware(h.keys))
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	protected := v1.Group("", auth.RequireAuth())
	handler.RegisterProtectedRoutes(protected)

	f := &apiFixture{harness: h, router: r}

	w := f.do(t, "POST", "/v1/auth/signup", SignupRequest{
		Email: "asha@example.com",
		Name:  "Asha Rao",
		Context: &trust.ClientContext{
			IP:       "10.0.0.1",
			Device:   "dev-A",
			Location: &trust.GeoPoint{Latitude: 19.07, Longitude: 72.87},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey string `json:"apiKey"`
		User   struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.apiKey = resp.APIKey
	f.userID = resp.User.ID
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func authorizeBody(amount string, cc *trust.ClientContext) AuthorizeRequest {
	return AuthorizeRequest{TransactionRequest: transfer(amount), Context: cc}
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) Outcome {
	t.Helper()
	var out Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_Signup(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))
	assert.NotEmpty(t, f.apiKey)
	assert.NotEmpty(t, f.userID)

	// Same email again is a conflict.
	f.apiKey = ""
	w := f.do(t, "POST", "/v1/auth/signup", SignupRequest{Email: "ASHA@example.com", Name: "Other"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "POST", "/v1/auth/signup", SignupRequest{Email: "not-an-email", Name: "X"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RequiresAuth(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))
	f.apiKey = ""

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("500", goodContext()))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_AllowedIs201(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("500", goodContext()))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	out := decodeOutcome(t, w)
	assert.Equal(t, OutcomeAllowed, out.Kind)
	require.NotNil(t, out.Record)
	assert.Equal(t, ledger.NotConfigured, out.Record.ChainStatus)

	w = f.do(t, "GET", "/v1/transactions/"+out.Record.Transaction.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "GET", "/v1/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandler_StepUpFlow(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("15000", mediumContext()))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	out := decodeOutcome(t, w)
	assert.Equal(t, OutcomeStepUpRequired, out.Kind)
	require.NotNil(t, out.ExpiresAt)

	// Second request while pending.
	w = f.do(t, "POST", "/v1/transactions", authorizeBody("15000", mediumContext()))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "GET", "/v1/transactions/pending", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	code := f.sender.last(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	w = f.do(t, "POST", "/v1/transactions/verify", ConfirmRequest{Code: wrong})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, OutcomeInvalid, decodeOutcome(t, w).Kind)

	w = f.do(t, "POST", "/v1/transactions/verify", ConfirmRequest{Code: code})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out = decodeOutcome(t, w)
	assert.Equal(t, OutcomeAllowed, out.Kind)
	require.NotNil(t, out.Record)

	w = f.do(t, "POST", "/v1/transactions/verify", ConfirmRequest{Code: code})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ExpiredIs410(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("15000", mediumContext()))
	require.Equal(t, http.StatusAccepted, w.Code)

	f.clock.Advance(6 * time.Minute)
	w = f.do(t, "POST", "/v1/transactions/verify", ConfirmRequest{Code: f.sender.last(t)})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, OutcomeExpired, decodeOutcome(t, w).Kind)
}

func TestHandler_BlockedIs403(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("15000", highContext()))
	require.Equal(t, http.StatusForbidden, w.Code)
	out := decodeOutcome(t, w)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Nil(t, out.Record)
}

func TestHandler_ChainFailureIs502WithRecord(t *testing.T) {
	f := newAPI(t, ledger.Configured(&fakeChain{submitErr: errors.New("rpc down")}))

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("500", goodContext()))
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp struct {
		Error  string  `json:"error"`
		Result Outcome `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ledger_unavailable", resp.Error)
	require.NotNil(t, resp.Result.Record)
	assert.Equal(t, ledger.OffChain, resp.Result.Record.ChainStatus)

	w = f.do(t, "POST", "/v1/transactions/"+resp.Result.Record.Transaction.ID+"/reanchor", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandler_ValidationErrors(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	body := authorizeBody("abc", goodContext())
	body.AccountNumber = "12"
	w := f.do(t, "POST", "/v1/transactions", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error   string `json:"error"`
		Details []struct {
			Field string `json:"field"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error)
	assert.Len(t, resp.Details, 2)

	w = f.do(t, "POST", "/v1/transactions/verify", ConfirmRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/v1/transactions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_EvaluateLoginAndContextLog(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "POST", "/v1/auth/login/evaluate", LoginRequest{Context: mediumContext()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res LoginResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 4, res.Score)
	assert.True(t, res.NewDevice)

	w = f.do(t, "GET", "/v1/profile/context-log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var log struct {
		ContextLog []trust.Observation `json:"contextLog"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &log))
	require.Len(t, log.ContextLog, 2)
	assert.Equal(t, trust.KindSignup, log.ContextLog[0].Kind)
	assert.Equal(t, trust.KindLogin, log.ContextLog[1].Kind)
}

func TestHandler_MissingIPFilledFromConnection(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	// httptest requests come from 192.0.2.1, which is not trusted.
	cc := goodContext()
	cc.IP = ""
	w := f.do(t, "POST", "/v1/auth/login/evaluate", LoginRequest{Context: cc})
	require.Equal(t, http.StatusOK, w.Code)

	obs := f.observations(t, f.userID)
	assert.Equal(t, "192.0.2.1", obs[len(obs)-1].IP)
}

func TestHandler_CancelPending(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "POST", "/v1/transactions", authorizeBody("15000", mediumContext()))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, "DELETE", "/v1/transactions/pending", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "GET", "/v1/transactions/pending", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_VerifyGuard(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))
	calls := 0
	f.router = gin.New()
	handler := NewHandler(f.svc, nil, nil).WithVerifyGuard(func(c *gin.Context) {
		calls++
		c.AbortWithStatus(http.StatusTooManyRequests)
	})
	keys := auth.NewManager(auth.NewMemoryStore(), nil)
	raw, _, err := keys.GenerateKey(context.Background(), f.userID, "test")
	require.NoError(t, err)
	f.router.Use(auth.Middleware(keys))
	handler.RegisterProtectedRoutes(f.router.Group("/v1", auth.RequireAuth()))
	f.apiKey = raw

	w := f.do(t, "POST", "/v1/transactions/verify", ConfirmRequest{Code: "123456"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, calls)

	// Other routes are not guarded.
	w = f.do(t, "GET", "/v1/transactions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_DeleteAccount(t *testing.T) {
	f := newAPI(t, ledger.Unconfigured("no rpc url"))

	w := f.do(t, "DELETE", "/v1/auth/account", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Account deleted")

	// The key went with the account.
	w = f.do(t, "GET", "/v1/transactions", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
