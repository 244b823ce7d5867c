package accsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crbnos/accounting_sync/config"
	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ConnectionResponse struct {
	Status      string `json:"status"`
	Provider    string `json:"provider,omitempty"`
	TenantRef   string `json:"tenantRef,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt,omitempty"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt,omitempty"`
	Settings          SyncSettings       `json:"settings"`
}

type ConnectRequest struct {
	AuthType    string       `json:"authType"`
	APIKey      string       `json:"apiKey"`
	TenantRef   string       `json:"tenantRef"`
	DisplayName string       `json:"displayName"`
	Settings    SyncSettings `json:"settings"`
}

type UpdateSettingsRequest struct {
	Settings SyncSettings `json:"settings"`
}

type TriggerBackfillRequest struct {
	EntityTypes BackfillModules `json:"entityTypes"`
	BatchSize   int             `json:"batchSize"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	EntityId   string `json:"entityId"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

func providerParam(c *gin.Context) (string, bool) {
	provider := strings.TrimSpace(c.Param("provider"))
	switch provider {
	case models.IntegrationProviderXero, models.IntegrationProviderQuickBook:
		return provider, true
	default:
		return "", false
	}
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}
		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, companyId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected, Provider: provider},
				Settings:   SyncSettings{},
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:      conn.Status,
				Provider:    conn.Provider,
				TenantRef:   conn.TenantRef,
				DisplayName: conn.DisplayName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Settings:          DecodeSyncSettings(conn.SettingsJSON),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "apiKey is required"})
			return
		}

		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, companyId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		authType := strings.TrimSpace(req.AuthType)
		if authType == "" {
			authType = "api_key"
		}
		displayName := strings.TrimSpace(req.DisplayName)
		if displayName == "" {
			displayName = provider
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				CompanyId:     companyId,
				Provider:      provider,
				Status:        models.IntegrationStatusConnected,
				AuthType:      authType,
				AuthSecretRef: req.APIKey,
				TenantRef:     req.TenantRef,
				DisplayName:   displayName,
				SettingsJSON:  EncodeSyncSettings(req.Settings),
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":          models.IntegrationStatusConnected,
				"auth_type":       authType,
				"auth_secret_ref": req.APIKey,
				"tenant_ref":      req.TenantRef,
				"display_name":    displayName,
				"updated_at":      now,
			}
			if len(conn.SettingsJSON) == 0 {
				update["settings_json"] = EncodeSyncSettings(req.Settings)
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}
		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, companyId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)
		conn, err := getConnection(db, companyId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		settings := EncodeSyncSettings(req.Settings)
		if conn == nil {
			conn = &models.IntegrationConnection{
				CompanyId:    companyId,
				Provider:     provider,
				Status:       models.IntegrationStatusDisconnected,
				SettingsJSON: settings,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"settings_json": settings,
				"updated_at":    time.Now(),
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// TriggerBackfillHandler queues a full backfill. The run row is created here
// so the UI can show it as queued before the worker picks it up.
func TriggerBackfillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		var req TriggerBackfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, companyId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": provider + " is not connected"})
			return
		}

		modules := req.EntityTypes
		if !modules.Customers && !modules.Vendors && !modules.Items {
			modules = DefaultBackfillModules()
		}

		run := models.SyncRun{
			CompanyId:    companyId,
			ConnectionId: conn.ID,
			Provider:     provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishBackfill(c.Request.Context(), BackfillTask{
			CompanyId:   companyId,
			Provider:    provider,
			BatchSize:   req.BatchSize,
			EntityTypes: modules,
			RunId:       run.ID,
			TriggeredBy: models.SyncTriggeredManual,
		})

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		var runs []models.SyncRun
		if err := db.Where("company_id = ? AND provider = ?", companyId, provider).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		run, err := getSyncRun(db, id, companyId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId, err := resolveCompanyID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		db := config.GetDB().WithContext(ctx)

		run, err := getSyncRun(db, id, companyId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var modules BackfillModules
		_ = json.Unmarshal(run.ModulesJSON, &modules)

		newRun := models.SyncRun{
			CompanyId:    companyId,
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			ModulesJSON:  run.ModulesJSON,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishBackfill(c.Request.Context(), BackfillTask{
			CompanyId:   companyId,
			Provider:    run.Provider,
			EntityTypes: modules,
			RunId:       newRun.ID,
			TriggeredBy: models.SyncTriggeredRetry,
		})

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// resolveCompanyID maps the authenticated username to its company. Admin
// callers can act for another company via the company_id query param.
func resolveCompanyID(c *gin.Context) (string, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return "", errors.New("unauthorized")
	}

	companyId := strings.TrimSpace(c.Query("company_id"))
	if companyId != "" {
		if err := authorizeCompany(c.Request.Context(), companyId); err != nil {
			return "", err
		}
		return companyId, nil
	}

	user, err := lookupUser(c.Request.Context(), username)
	if err != nil {
		return "", err
	}
	companyId = strings.TrimSpace(user.CompanyId)
	if companyId == "" {
		return "", errors.New("company_id is required")
	}
	return companyId, nil
}

func authorizeCompany(ctx context.Context, companyId string) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}
	user, err := lookupUser(ctx, username)
	if err != nil {
		return err
	}
	if user.Role == models.UserRoleAdmin {
		return nil
	}
	if user.CompanyId != companyId {
		return errors.New("unauthorized")
	}
	return nil
}

func lookupUser(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return nil, errors.New("db is nil")
		}
		if err := db.WithContext(ctx).
			Model(&models.User{}).
			Where("username = ?", username).
			Take(&user).Error; err != nil {
			return nil, errors.New("unauthorized")
		}
		_ = config.SetRedisObject("User:"+username, &user, 10*time.Minute)
	}
	return &user, nil
}

// notFoundToSentinel keeps the storage layer's not-found distinct from real
// query failures without leaking gorm into response mapping.
func notFoundToSentinel(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}

func getSyncRun(db *gorm.DB, id int, companyId string) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := db.Where("id = ? AND company_id = ?", id, companyId).Take(&run).Error; err != nil {
		return nil, notFoundToSentinel(err)
	}
	return &run, nil
}

func getConnection(db *gorm.DB, companyId, provider string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := db.Where("company_id = ? AND provider = ?", companyId, provider).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			EntityId:   errItem.EntityId,
			ExternalId: errItem.ExternalId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
