package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/metrics"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/domain/services"
	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/httputil"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// Workspace bundles the services behind one workspace's routes
type Workspace struct {
	Name     string
	Store    *services.ConversationStore
	Requests *services.RequestManager
	Playback *services.PlaybackCoordinator

	// AutoSpeak reads the greeting of every conversation created through the API
	AutoSpeak bool
}

// ConnectionStats reports live WebSocket connections
type ConnectionStats interface {
	ConnectionStats() map[string]interface{}
}

// Dependencies are the optional collaborators of the API; nil fields
// disable the matching health checks and endpoints
type Dependencies struct {
	Storage     ports.BlobStoragePort
	Journal     ports.JournalPort
	Messaging   ports.MessagingPort
	Answers     ports.AnswerPort
	Metrics     *metrics.Collector
	Connections ConnectionStats
	Logger      *logutil.Logger
}

// statusRules maps domain errors to HTTP statuses
var statusRules = []httputil.StatusRule{
	{Err: services.ErrNotFound, Status: http.StatusNotFound},
	{Err: services.ErrInvalidOperation, Status: http.StatusBadRequest},
	{Err: services.ErrInvalidDrop, Status: http.StatusBadRequest},
	{Err: services.ErrSelfDrop, Status: http.StatusConflict},
	{Err: services.ErrNoOp, Status: http.StatusConflict},
	{Err: services.ErrRequestPending, Status: http.StatusConflict},
	{Err: services.ErrNothingToPlay, Status: http.StatusConflict},
	{Err: ports.ErrSynthesisUnavailable, Status: http.StatusServiceUnavailable},
}

// APIHandlers contains all HTTP API handlers
type APIHandlers struct {
	workspaces map[string]*Workspace
	deps       Dependencies
	logger     *logutil.Logger
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(workspaces []*Workspace, deps Dependencies) *APIHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	byName := make(map[string]*Workspace, len(workspaces))
	for _, w := range workspaces {
		byName[w.Name] = w
	}
	return &APIHandlers{
		workspaces: byName,
		deps:       deps,
		logger:     logger,
	}
}

// SetupRoutes configures all API routes. ws, when non-nil, serves the
// workspace WebSocket endpoint.
func (h *APIHandlers) SetupRoutes(r *gin.Engine, ws gin.HandlerFunc) {
	r.GET("/health", h.handleHealth)

	api := r.Group("/api/" + constants.APIVersion)
	{
		api.GET("/system/health", h.handleHealth)
		api.GET("/system/metrics", h.getSystemMetrics)
		api.GET("/system/connections", h.getSystemConnections)

		api.GET("/workspaces", h.listWorkspaces)

		w := api.Group("/workspaces/:workspace", h.workspaceMiddleware)
		{
			if ws != nil {
				w.GET("/ws", ws)
			}
			w.GET("/state", h.getState)
			w.GET("/events", h.getEvents)

			// Conversations
			w.GET("/conversations", h.listConversations)
			w.POST("/conversations", h.createConversation)
			w.GET("/conversations/:id", h.getConversation)
			w.PATCH("/conversations/:id", h.renameConversation)
			w.DELETE("/conversations/:id", h.deleteConversation)
			w.PUT("/conversations/:id/folder", h.moveConversation)
			w.GET("/conversations/:id/status", h.getRequestStatus)

			// Messages
			w.POST("/conversations/:id/messages", h.sendMessage)
			w.DELETE("/conversations/:id/messages/:index", h.deleteMessage)

			// Folders
			w.GET("/folders", h.listFolders)
			w.POST("/folders", h.createFolder)
			w.PATCH("/folders/:id", h.renameFolder)
			w.DELETE("/folders/:id", h.deleteFolder)

			// Selection and drag-and-drop
			w.PUT("/selection/conversation", h.selectConversation)
			w.PUT("/selection/folder", h.selectFolder)
			w.POST("/reorder", h.reorder)

			// Playback
			w.GET("/playback", h.getPlayback)
			w.POST("/playback/play", h.play)
			w.POST("/playback/speak", h.speak)
			w.POST("/playback/stop", h.stopPlayback)
			w.POST("/playback/voices-changed", h.voicesChanged)
		}
	}
}

const workspaceKey = "workspace"

// workspaceMiddleware resolves :workspace or answers 404
func (h *APIHandlers) workspaceMiddleware(c *gin.Context) {
	name := c.Param("workspace")
	w, ok := h.workspaces[name]
	if !ok {
		httputil.NotFoundError(c, fmt.Errorf("%s: %s", constants.ErrMsgWorkspaceNotFound, name))
		c.Abort()
		return
	}
	c.Set(workspaceKey, w)
	c.Next()
}

func workspaceFrom(c *gin.Context) *Workspace {
	return c.MustGet(workspaceKey).(*Workspace)
}

// Health check endpoint
func (h *APIHandlers) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":    constants.StatusOK,
		"timestamp": time.Now().Unix(),
		"service":   constants.ServiceName,
		"version":   constants.ServiceVersion,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.HealthCheckTimeout)
	defer cancel()

	healthy := true
	if h.deps.Storage != nil {
		if err := h.deps.Storage.Ping(ctx); err != nil {
			status["storage"] = constants.StatusError
			status["storage_error"] = err.Error()
			healthy = false
		} else {
			status["storage"] = constants.StatusOK
		}
	}

	if h.deps.Messaging != nil {
		if err := h.deps.Messaging.Ping(); err != nil {
			status["messaging"] = constants.StatusError
			status["messaging_error"] = err.Error()
			healthy = false
		} else {
			status["messaging"] = constants.StatusOK
		}
	}

	// An unreachable answer backend degrades requests but not the service
	if h.deps.Answers != nil {
		if err := h.deps.Answers.Ping(ctx); err != nil {
			status["answers"] = constants.StatusError
			status["answers_error"] = err.Error()
		} else {
			status["answers"] = constants.StatusOK
		}
	}

	if !healthy {
		status["status"] = constants.StatusServiceUnavailable
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandlers) getSystemMetrics(c *gin.Context) {
	if h.deps.Metrics == nil {
		httputil.ServiceUnavailableError(c, errors.New("metrics are not enabled"))
		return
	}

	filter := map[string]string{}
	if name := c.Query("name"); name != "" {
		filter["name"] = name
	}
	if ws := c.Query("workspace"); ws != "" {
		filter["workspace"] = ws
	}
	limit := httputil.ParseLimit(c, httputil.DefaultPagination)

	httputil.SuccessResponse(c, gin.H{
		"system":     h.deps.Metrics.GetSystemMetrics(c.Request.Context()),
		"metrics":    h.deps.Metrics.GetMetrics(c.Request.Context(), filter, limit),
		"updated_at": h.deps.Metrics.GetLastUpdateTime(),
	})
}

func (h *APIHandlers) getSystemConnections(c *gin.Context) {
	stats := map[string]interface{}{"total_connections": 0}
	if h.deps.Connections != nil {
		stats = h.deps.Connections.ConnectionStats()
	}
	if reporter, ok := h.deps.Messaging.(ports.ConnectionReporter); ok {
		stats["messaging"] = reporter.GetConnectionStatus()
	}
	httputil.SuccessResponse(c, stats)
}

func (h *APIHandlers) listWorkspaces(c *gin.Context) {
	names := make([]string, 0, len(h.workspaces))
	for name := range h.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	httputil.SuccessResponse(c, names)
}

// State handlers

func (h *APIHandlers) getState(c *gin.Context) {
	w := workspaceFrom(c)
	snap := w.Store.Snapshot()

	pending := []string{}
	if w.Requests != nil {
		pending = w.Requests.Pending()
	}
	var playback interface{}
	if w.Playback != nil {
		playback = w.Playback.State()
	}

	httputil.SuccessResponse(c, gin.H{
		"snapshot": snap,
		"pending":  pending,
		"playback": playback,
	})
}

func (h *APIHandlers) getEvents(c *gin.Context) {
	if h.deps.Journal == nil {
		httputil.ServiceUnavailableError(c, errors.New("event journal is not enabled"))
		return
	}

	ctx, cancel := httputil.WithOperationContext(c, httputil.OperationStorage)
	defer cancel()

	limit := httputil.ParseLimit(c, httputil.DefaultPagination)
	events, err := h.deps.Journal.GetEvents(ctx, workspaceFrom(c).Name, limit)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	httputil.SuccessResponseWithMeta(c, events, gin.H{"limit": limit})
}

// Conversation handlers

func (h *APIHandlers) listConversations(c *gin.Context) {
	w := workspaceFrom(c)

	if q, ok := c.GetQuery("q"); ok {
		results := w.Store.SearchConversations(q)
		httputil.SuccessResponseWithMeta(c, results, gin.H{"query": q, "total": len(results)})
		return
	}

	if folderID := c.Query("folder_id"); folderID != "" {
		convs, err := w.Store.FolderConversations(folderID)
		if err != nil {
			httputil.DomainError(c, err, statusRules)
			return
		}
		httputil.SuccessResponse(c, convs)
		return
	}

	httputil.SuccessResponse(c, w.Store.RootConversations())
}

func (h *APIHandlers) createConversation(c *gin.Context) {
	w := workspaceFrom(c)
	id := w.Store.CreateConversation()

	conv, err := w.Store.Conversation(id)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	if w.AutoSpeak && w.Playback != nil && len(conv.Messages) > 0 {
		if err := w.Playback.SpeakGlobal(c.Request.Context(), id, 0, conv.Messages[0].Text); err != nil {
			h.logger.Warn("Failed to read greeting aloud", logutil.Fields{
				"workspace":       w.Name,
				"conversation_id": id,
				"error":           err.Error(),
			})
		}
	}

	httputil.CreatedResponse(c, conv)
}

func (h *APIHandlers) getConversation(c *gin.Context) {
	conv, err := workspaceFrom(c).Store.Conversation(c.Param("id"))
	if err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, conv)
}

func (h *APIHandlers) renameConversation(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	id := c.Param("id")
	if err := w.Store.RenameConversation(id, req.Title); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	h.respondConversation(c, w, id)
}

func (h *APIHandlers) deleteConversation(c *gin.Context) {
	if err := workspaceFrom(c).Store.DeleteConversation(c.Param("id")); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"message": constants.MsgConversationDeleted})
}

func (h *APIHandlers) moveConversation(c *gin.Context) {
	var req struct {
		FolderID string `json:"folder_id"` // empty moves to the root list
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	id := c.Param("id")
	if err := w.Store.MoveConversation(id, req.FolderID); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	h.respondConversation(c, w, id)
}

func (h *APIHandlers) getRequestStatus(c *gin.Context) {
	w := workspaceFrom(c)
	id := c.Param("id")
	if _, err := w.Store.Conversation(id); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	if w.Requests == nil {
		httputil.SuccessResponse(c, services.RequestStatus{ConversationID: id})
		return
	}
	httputil.SuccessResponse(c, w.Requests.Status(id))
}

func (h *APIHandlers) respondConversation(c *gin.Context, w *Workspace, id string) {
	conv, err := w.Store.Conversation(id)
	if err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, conv)
}

// Message handlers

// sendMessage starts a request. By default it answers 202 at once and the
// outcome arrives over the WebSocket; with ?wait=true it blocks for the result.
func (h *APIHandlers) sendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	if w.Requests == nil {
		httputil.ServiceUnavailableError(c, errors.New(constants.ErrMsgServiceUnavailable))
		return
	}

	id := c.Param("id")
	results, err := w.Requests.Send(c.Request.Context(), id, req.Text)
	if err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}

	if !httputil.ParseBoolParam(c, "wait", false) {
		httputil.AcceptedResponse(c, gin.H{
			"message": constants.MsgRequestAccepted,
			"status":  w.Requests.Status(id),
		})
		return
	}

	select {
	case result := <-results:
		if result.Error != nil {
			httputil.ErrorResponseWithMeta(c, http.StatusBadGateway, result.Error, result)
			return
		}
		httputil.SuccessResponse(c, result)
	case <-c.Request.Context().Done():
		// The request keeps running; its result is still appended and published
		httputil.ErrorResponse(c, http.StatusGatewayTimeout, c.Request.Context().Err())
	}
}

func (h *APIHandlers) deleteMessage(c *gin.Context) {
	index, err := httputil.IndexParam(c, "index")
	if err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	if err := workspaceFrom(c).Store.DeleteMessage(c.Param("id"), index); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"message": constants.MsgMessageDeleted})
}

// Folder handlers

func (h *APIHandlers) listFolders(c *gin.Context) {
	w := workspaceFrom(c)
	folders := w.Store.Folders()

	type folderView struct {
		entities.Folder
		Conversations []entities.Conversation `json:"conversations"`
	}
	views := make([]folderView, 0, len(folders))
	for _, f := range folders {
		convs, err := w.Store.FolderConversations(f.ID)
		if err != nil {
			httputil.InternalServerError(c, err)
			return
		}
		views = append(views, folderView{Folder: f, Conversations: convs})
	}
	httputil.SuccessResponse(c, views)
}

func (h *APIHandlers) createFolder(c *gin.Context) {
	var req struct {
		Name           string `json:"name"`
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	var (
		id  string
		err error
	)
	if req.ConversationID != "" {
		id, err = w.Store.CreateFolderWith(req.Name, req.ConversationID)
	} else {
		id, err = w.Store.CreateFolder(req.Name)
	}
	if err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}

	for _, f := range w.Store.Folders() {
		if f.ID == id {
			httputil.CreatedResponse(c, f)
			return
		}
	}
	httputil.CreatedResponse(c, gin.H{"id": id})
}

func (h *APIHandlers) renameFolder(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	id := c.Param("id")
	if err := w.Store.RenameFolder(id, req.Name); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"id": id, "name": strings.TrimSpace(req.Name)})
}

func (h *APIHandlers) deleteFolder(c *gin.Context) {
	if err := workspaceFrom(c).Store.DeleteFolder(c.Param("id")); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"message": constants.MsgFolderDeleted})
}

// Selection and reorder handlers

func (h *APIHandlers) selectConversation(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	if err := w.Store.SelectConversation(req.ConversationID); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"current_id": w.Store.Snapshot().CurrentID})
}

func (h *APIHandlers) selectFolder(c *gin.Context) {
	var req struct {
		FolderID string `json:"folder_id"` // empty clears the selection
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w := workspaceFrom(c)
	if err := w.Store.SelectFolder(req.FolderID); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"selected_folder_id": w.Store.Snapshot().SelectedFolderID})
}

// reorder applies a drag-and-drop gesture. Rejected drops answer 409 and
// leave the store untouched.
func (h *APIHandlers) reorder(c *gin.Context) {
	var req struct {
		Source  services.DragSource `json:"source"`
		Target  services.DropTarget `json:"target"`
		Pointer *float64            `json:"pointer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	// Without a pointer position the drop lands after the target
	pointer := 1.0
	if req.Pointer != nil {
		pointer = *req.Pointer
	}

	instruction, err := workspaceFrom(c).Store.Reorder(req.Source, req.Target, pointer)
	if err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, instruction)
}

// Playback handlers

func (h *APIHandlers) playbackFor(c *gin.Context) (*Workspace, bool) {
	w := workspaceFrom(c)
	if w.Playback == nil {
		httputil.ServiceUnavailableError(c, ports.ErrSynthesisUnavailable)
		return nil, false
	}
	return w, true
}

func (h *APIHandlers) getPlayback(c *gin.Context) {
	w, ok := h.playbackFor(c)
	if !ok {
		return
	}
	httputil.SuccessResponse(c, w.Playback.State())
}

// play is the global Play control for a conversation, the current one by default
func (h *APIHandlers) play(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequestError(c, err)
		return
	}

	w, ok := h.playbackFor(c)
	if !ok {
		return
	}

	var conv entities.Conversation
	if req.ConversationID == "" {
		conv = w.Store.Current()
	} else {
		var err error
		if conv, err = w.Store.Conversation(req.ConversationID); err != nil {
			httputil.DomainError(c, err, statusRules)
			return
		}
	}

	if err := w.Playback.Play(c.Request.Context(), conv.ID, conv.Messages); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, w.Playback.State())
}

// speak is the per-message listen control; a selection narrows it to a
// substring of the message
func (h *APIHandlers) speak(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id" binding:"required"`
		Index          *int   `json:"index" binding:"required"`
		Selection      string `json:"selection"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequestError(c, err)
		return
	}

	w, ok := h.playbackFor(c)
	if !ok {
		return
	}

	conv, err := w.Store.Conversation(req.ConversationID)
	if err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	if *req.Index < 0 || *req.Index >= len(conv.Messages) {
		httputil.DomainError(c, fmt.Errorf("message %d of conversation %s: %w", *req.Index, conv.ID, services.ErrNotFound), statusRules)
		return
	}

	text := conv.Messages[*req.Index].Text
	if err := w.Playback.SpeakLocal(c.Request.Context(), conv.ID, *req.Index, text, req.Selection); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, w.Playback.State())
}

func (h *APIHandlers) stopPlayback(c *gin.Context) {
	w, ok := h.playbackFor(c)
	if !ok {
		return
	}
	if err := w.Playback.Stop(); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, gin.H{"message": constants.MsgPlaybackStopped})
}

// voicesChanged lets a client that loads voices late resume a parked utterance
func (h *APIHandlers) voicesChanged(c *gin.Context) {
	w, ok := h.playbackFor(c)
	if !ok {
		return
	}
	if err := w.Playback.VoicesChanged(c.Request.Context()); err != nil {
		httputil.DomainError(c, err, statusRules)
		return
	}
	httputil.SuccessResponse(c, w.Playback.State())
}
