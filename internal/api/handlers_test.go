package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/app"
	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

type handlerRepoStub struct {
	store.Repository

	request *domain.BuyRequest
}

func (s *handlerRepoStub) FindBuyRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.BuyRequest, error) {
	if s.request == nil || s.request.ID != requestID {
		return nil, store.ErrBuyRequestNotFound
	}
	copied := *s.request
	return &copied, nil
}

func newHandlerFixture(repo store.Repository) *ExchangeHandlers {
	return NewExchangeHandlers(app.NewService(repo, nil, nil, nil, nil))
}

func getProposal(t *testing.T, h *ExchangeHandlers, requestID string, userID uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/proposals/"+requestID, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", requestID)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, userIDKey, userID)
	rec := httptest.NewRecorder()
	h.GetProposalHandler(rec, req.WithContext(ctx))
	return rec
}

func TestGetProposalHandler_ParticipantSeesRequest(t *testing.T) {
	buyerID := uuid.New()
	request := &domain.BuyRequest{
		ID:       uuid.New(),
		BuyerID:  buyerID,
		SellerID: uuid.New(),
		Status:   domain.BuyRequestPending,
	}
	h := newHandlerFixture(&handlerRepoStub{request: request})

	rec := getProposal(t, h, request.ID.String(), buyerID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a participant, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetProposalHandler_StrangerGets403(t *testing.T) {
	request := &domain.BuyRequest{
		ID:       uuid.New(),
		BuyerID:  uuid.New(),
		SellerID: uuid.New(),
		Status:   domain.BuyRequestPending,
	}
	h := newHandlerFixture(&handlerRepoStub{request: request})

	rec := getProposal(t, h, request.ID.String(), uuid.New())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-participant, got %d", rec.Code)
	}
}

func TestGetProposalHandler_UnknownRequestGets404(t *testing.T) {
	h := newHandlerFixture(&handlerRepoStub{})

	rec := getProposal(t, h, uuid.New().String(), uuid.New())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown request, got %d", rec.Code)
	}
}

func TestGetProposalHandler_BadUUIDGets400(t *testing.T) {
	h := newHandlerFixture(&handlerRepoStub{})

	rec := getProposal(t, h, "not-a-uuid", uuid.New())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", rec.Code)
	}
}

func signedToken(t *testing.T, secret string, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAuthMiddleware_ValidTokenPassesUserID(t *testing.T) {
	const secret = "test-secret"
	userID := uuid.New()

	var seen uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := GetUserID(r.Context())
		if !ok {
			t.Fatal("expected user id on the request context")
		}
		seen = got
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/proposals", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, userID.String()))
	rec := httptest.NewRecorder()
	AuthMiddleware(secret)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected the request to pass auth, got %d body=%s", rec.Code, rec.Body.String())
	}
	if seen != userID {
		t.Fatalf("expected user id %s from token subject, got %s", userID, seen)
	}
}

func TestAuthMiddleware_MissingTokenGets401(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a credential")
	})
	req := httptest.NewRequest(http.MethodGet, "/proposals", nil)
	rec := httptest.NewRecorder()
	AuthMiddleware("test-secret")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_WrongSecretGets401(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/proposals", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "other-secret", uuid.New().String()))
	rec := httptest.NewRecorder()
	AuthMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run with a forged credential")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTokenAuthenticator_AcceptsQueryParameter(t *testing.T) {
	const secret = "test-secret"
	userID := uuid.New()
	authn := NewTokenAuthenticator(secret)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+signedToken(t, secret, userID.String()), nil)
	got, err := authn.Authenticate(req)
	if err != nil {
		t.Fatalf("expected query token to authenticate, got %v", err)
	}
	if got != userID {
		t.Fatalf("expected user id %s, got %s", userID, got)
	}
}
