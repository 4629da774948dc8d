package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"github.com/MarcoPoloResearchLab/storefront/internal/chat"
	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/session"
	"github.com/MarcoPoloResearchLab/storefront/internal/storefront"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	scopeIDContextKey        = "storefront_scope_id"
	storefrontContextKey     = "storefront_context"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingRegistry     = errors.New("storefront registry dependency required")
	errMissingCatalog      = errors.New("product catalog dependency required")
)

type ScopeTokenManager interface {
	IssueScopeToken(scopeID string) (string, int64, error)
	ValidateRequest(r *http.Request) (string, error)
	CookieName() string
}

type ProductCatalog interface {
	ListProducts(ctx context.Context) ([]catalog.Product, error)
	GetProduct(ctx context.Context, productID int) (catalog.Product, error)
	ListCategories(ctx context.Context) ([]string, error)
	ListProductsInCategory(ctx context.Context, category string) ([]catalog.Product, error)
}

type Dependencies struct {
	TokenManager      ScopeTokenManager
	Storefronts       *storefront.Registry
	Catalog           ProductCatalog
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	RatePerMinute     int
	RateBurst         int
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Storefronts == nil {
		return nil, errMissingRegistry
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	if deps.RatePerMinute > 0 {
		router.Use(rateLimitMiddleware(newIPRateLimiter(deps.RatePerMinute, deps.RateBurst, defaultLimiterIdleTTL)))
	}

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		storefronts: deps.Storefronts,
		catalog:     deps.Catalog,
		realtime:    realtime,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.POST("/scopes", handler.handleCreateScope)

	router.GET("/products", handler.handleListProducts)
	router.GET("/products/categories", handler.handleListCategories)
	router.GET("/products/category/:name", handler.handleListCategory)
	router.GET("/products/:id", handler.handleGetProduct)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/session", handler.handleGetSession)
	protected.POST("/session/login", handler.handleLogin)
	protected.POST("/session/register", handler.handleRegister)
	protected.POST("/session/logout", handler.handleLogout)
	protected.GET("/cart", handler.handleGetCart)
	protected.DELETE("/cart", handler.handleClearCart)
	protected.POST("/cart/items", handler.handleAddItem)
	protected.PATCH("/cart/items/:id", handler.handleChangeQuantity)
	protected.DELETE("/cart/items/:id", handler.handleRemoveItem)
	protected.GET("/cart/events", handler.handleCartEvents)
	protected.POST("/checkout", handler.handleCheckout)
	protected.GET("/chat/messages", handler.handleListChatMessages)
	protected.POST("/chat/messages", handler.handlePostChatMessage)
	protected.DELETE("/chat/messages", handler.handleClearChat)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens      ScopeTokenManager
	storefronts *storefront.Registry
	catalog     ProductCatalog
	realtime    *RealtimeDispatcher
	heartbeat   time.Duration
	logger      *zap.Logger
}

type scopeResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type sessionResponsePayload struct {
	Authenticated bool              `json:"authenticated"`
	User          *session.Identity `json:"user,omitempty"`
	Cart          cartPayload       `json:"cart"`
}

type cartPayload struct {
	Email string    `json:"email,omitempty"`
	Items cart.Cart `json:"items"`
	Total float64   `json:"total"`
	Count int       `json:"count"`
	Ready bool      `json:"ready"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type addItemRequestPayload struct {
	ProductID int `json:"product_id"`
}

type changeQuantityRequestPayload struct {
	Delta int `json:"delta"`
}

type chatMessageRequestPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatHistoryPayload struct {
	Messages []chat.Message `json:"messages"`
}

func newCartPayload(snapshot cart.Snapshot) cartPayload {
	items := snapshot.Items
	if items == nil {
		items = cart.Cart{}
	}
	return cartPayload{
		Email: snapshot.Email,
		Items: items,
		Total: snapshot.Total,
		Count: snapshot.Count,
		Ready: snapshot.Ready,
	}
}

func newSessionPayload(state storefront.State) sessionResponsePayload {
	return sessionResponsePayload{
		Authenticated: state.Identity != nil,
		User:          state.Identity,
		Cart:          newCartPayload(state.Cart),
	}
}

func (h *httpHandler) handleCreateScope(c *gin.Context) {
	scopeID, err := h.storefronts.NewScope()
	if err != nil {
		h.logger.Error("failed to create scope", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scope_create_failed"})
		return
	}
	token, expiresIn, err := h.tokens.IssueScopeToken(scopeID)
	if err != nil {
		h.logger.Error("failed to issue scope token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.tokens.CookieName(), token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusCreated, scopeResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, newSessionPayload(currentStorefront(c).State()))
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, state := currentStorefront(c).Login(c.Request.Context(), strings.TrimSpace(request.Email), request.Password)
	if !result.OK {
		h.writeSessionFailure(c, result)
		return
	}
	c.JSON(http.StatusOK, newSessionPayload(state))
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, state := currentStorefront(c).Register(c.Request.Context(), strings.TrimSpace(request.Email), request.Password, strings.TrimSpace(request.Username))
	if !result.OK {
		h.writeSessionFailure(c, result)
		return
	}
	c.JSON(http.StatusCreated, newSessionPayload(state))
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	state, err := currentStorefront(c).Logout(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to sign out", zap.String("scope", c.GetString(scopeIDContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout_failed"})
		return
	}
	c.JSON(http.StatusOK, newSessionPayload(state))
}

func (h *httpHandler) writeSessionFailure(c *gin.Context, result session.Result) {
	if errors.Is(result.Err, session.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": result.Message})
		return
	}
	h.logger.Warn("session request failed", zap.String("scope", c.GetString(scopeIDContextKey)), zap.Error(result.Err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_failed", "message": result.Message})
}

func (h *httpHandler) handleGetCart(c *gin.Context) {
	c.JSON(http.StatusOK, newCartPayload(currentStorefront(c).State().Cart))
}

func (h *httpHandler) handleAddItem(c *gin.Context) {
	var request addItemRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ProductID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := currentStorefront(c).AddItem(c.Request.Context(), request.ProductID)
	h.writeCartResult(c, snapshot, err)
}

func (h *httpHandler) handleChangeQuantity(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	var request changeQuantityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := currentStorefront(c).ChangeQuantity(c.Request.Context(), productID, request.Delta)
	h.writeCartResult(c, snapshot, err)
}

func (h *httpHandler) handleRemoveItem(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	snapshot, err := currentStorefront(c).RemoveItem(c.Request.Context(), productID)
	h.writeCartResult(c, snapshot, err)
}

func (h *httpHandler) handleClearCart(c *gin.Context) {
	snapshot, err := currentStorefront(c).ClearCart(c.Request.Context())
	h.writeCartResult(c, snapshot, err)
}

func (h *httpHandler) writeCartResult(c *gin.Context, snapshot cart.Snapshot, err error) {
	if err == nil {
		c.JSON(http.StatusOK, newCartPayload(snapshot))
		return
	}
	var serviceErr *cart.ServiceError
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found"})
	case errors.As(err, &serviceErr):
		h.logger.Error("cart update failed", zap.String("code", serviceErr.Code()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cart_update_failed"})
	default:
		h.logger.Warn("product lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_failed"})
	}
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	var request checkout.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	confirmation, err := currentStorefront(c).Checkout(c.Request.Context(), request)
	if err != nil {
		var validation *checkout.ValidationError
		switch {
		case errors.Is(err, checkout.ErrEmptyCart):
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_cart"})
		case errors.As(err, &validation):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_checkout", "fields": validation.Fields})
		case errors.Is(err, storefront.ErrCheckoutUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "checkout_unavailable"})
		default:
			h.logger.Error("checkout failed", zap.String("scope", c.GetString(scopeIDContextKey)), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "order_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, confirmation)
}

func (h *httpHandler) handleListChatMessages(c *gin.Context) {
	messages, err := currentStorefront(c).ChatMessages(c.Request.Context())
	if err != nil {
		h.writeChatFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, chatHistoryPayload{Messages: messages})
}

func (h *httpHandler) handlePostChatMessage(c *gin.Context) {
	var payload chatMessageRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role := chat.Role(payload.Role)
	if payload.Role == "" {
		role = chat.RoleUser
	}
	message, err := currentStorefront(c).PostChatMessage(c.Request.Context(), role, payload.Content)
	if err != nil {
		h.writeChatFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleClearChat(c *gin.Context) {
	if err := currentStorefront(c).ClearChat(c.Request.Context()); err != nil {
		h.writeChatFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeChatFailure(c *gin.Context, err error) {
	if errors.Is(err, chat.ErrInvalidMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": err.Error()})
		return
	}
	h.logger.Error("chat history failed", zap.String("scope", c.GetString(scopeIDContextKey)), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_unavailable"})
}

func (h *httpHandler) handleCartEvents(c *gin.Context) {
	scopeID := c.GetString(scopeIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, scopeID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(RealtimeEventCartChanged, newCartPayload(currentStorefront(c).State().Cart))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, newCartPayload(message.Cart))
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "ts": now.Unix()})
			return true
		}
	})
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.writeCatalogFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *httpHandler) handleGetProduct(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	product, err := h.catalog.GetProduct(c.Request.Context(), productID)
	if err != nil {
		h.writeCatalogFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *httpHandler) handleListCategories(c *gin.Context) {
	categories, err := h.catalog.ListCategories(c.Request.Context())
	if err != nil {
		h.writeCatalogFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, categories)
}

func (h *httpHandler) handleListCategory(c *gin.Context) {
	products, err := h.catalog.ListProductsInCategory(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeCatalogFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *httpHandler) writeCatalogFailure(c *gin.Context, err error) {
	if errors.Is(err, catalog.ErrProductNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found"})
		return
	}
	h.logger.Warn("catalog request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_failed"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	scopeID, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sf, err := h.storefronts.Get(c.Request.Context(), scopeID)
	if err != nil {
		h.logger.Error("failed to open scope", zap.String("scope", scopeID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "scope_unavailable"})
		return
	}
	c.Set(scopeIDContextKey, scopeID)
	c.Set(storefrontContextKey, sf)
	c.Next()
}

func currentStorefront(c *gin.Context) *storefront.Storefront {
	return c.MustGet(storefrontContextKey).(*storefront.Storefront)
}

func productIDParam(c *gin.Context) (int, bool) {
	productID, err := strconv.Atoi(c.Param("id"))
	if err != nil || productID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_product_id"})
		return 0, false
	}
	return productID, true
}
