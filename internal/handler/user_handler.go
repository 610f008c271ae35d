package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/stravasync/internal/auth"
	"github.com/hitoshi/stravasync/internal/middleware"
	"github.com/hitoshi/stravasync/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Register(ctx context.Context, username, password string) (*model.User, error)
	Login(ctx context.Context, username, password string) (*auth.TokenPair, error)
	Logout(ctx context.Context, claims *auth.Claims) error
	Refresh(claims *auth.Claims) (string, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// UserHandler はAPIユーザーの登録・ログインのHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=80"`
	Password string `json:"password" validate:"required,max=72"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Register はユーザーを登録する。
// POST /api/register
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if _, err := h.service.Register(r.Context(), req.Username, req.Password); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "User created successfully.")
}

// Login は資格情報を検証してトークンを発行する。
// POST /api/login
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	pair, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pair)
}

// Logout は提示されたアクセストークンを失効させる。
// POST /api/logout
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	if err := h.service.Logout(r.Context(), claims); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Successfully logged out.")
}

// Refresh はリフレッシュトークンから新しいアクセストークンを発行する。
// POST /api/refresh
func (h *UserHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	token, err := h.service.Refresh(claims)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: token})
}

// GetUser はユーザー情報を返す。
// GET /api/user/{user_id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Username: user.Username})
}

// DeleteUser はユーザーを削除する。
// DELETE /api/user/{user_id}
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "User deleted")
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("user_id must be an integer"))
		return 0, false
	}
	return id, true
}
