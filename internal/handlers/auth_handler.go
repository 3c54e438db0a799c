package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/tullo/marketchat/internal/auth"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/repository"
)

type AuthHandler struct {
	userRepo   repository.UserStore
	jwtService *auth.JWTService
}

func NewAuthHandler(userRepo repository.UserStore, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{
		userRepo:   userRepo,
		jwtService: jwtService,
	}
}

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.userRepo.GetByEmail(req.Email)
	if err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.issueToken(c, user)
}

// DevToken mints a token for any known user without a password. It is
// only routed outside production.
func (h *AuthHandler) DevToken(c *gin.Context) {
	user, err := h.userRepo.GetByID(c.Query("user_id"))
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "User not found")
		return
	}
	h.issueToken(c, user)
}

// ListUsers returns every known user, for picking someone to talk to
func (h *AuthHandler) ListUsers(c *gin.Context) {
	users, err := h.userRepo.List()
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list users")
		return
	}
	sort.Slice(users, func(i, j int) bool { return users[i].DisplayName < users[j].DisplayName })
	c.JSON(http.StatusOK, users)
}

// GetMe returns the current user
func (h *AuthHandler) GetMe(c *gin.Context) {
	user, err := h.userRepo.GetByID(c.GetString("user_id"))
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "User not found")
		return
	}

	c.JSON(http.StatusOK, user)
}

func (h *AuthHandler) issueToken(c *gin.Context, user *models.User) {
	token, err := h.jwtService.GenerateToken(user.ID, user.Email)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token: token,
		User:  *user,
	})
}
