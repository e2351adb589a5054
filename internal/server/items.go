package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/apibase/internal/cache"
	"github.com/nao1215/apibase/internal/database"
	"github.com/nao1215/apibase/internal/storage"
	"github.com/nao1215/apibase/pkg/middleware"
)

// maxImageBytes は画像アップロードの最大サイズ（10MiB）。
const maxImageBytes = 10 << 20

// signedURLExpiry は署名付きダウンロードURLの有効期間。
const signedURLExpiry = time.Hour

// item はitemsテーブルの1行。
type item struct {
	// ID はアイテムの一意識別子。
	ID string
	// OwnerID はアイテムを作成したユーザーのID。
	OwnerID string
	// Name はアイテム名。所有者内で一意。
	Name string
	// Description はアイテムの説明。
	Description string
	// Price は価格。
	Price float64
	// ImageKey はオブジェクトストレージ上の画像キー。未設定の場合は空文字。
	ImageKey string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// createItemRequest はアイテム作成リクエストのJSON構造。
type createItemRequest struct {
	// Name はアイテム名。
	Name string `json:"name" binding:"required"`
	// Description はアイテムの説明。
	Description string `json:"description"`
	// Price は価格。
	Price float64 `json:"price"`
}

// updateItemRequest はアイテム更新リクエストのJSON構造。
type updateItemRequest struct {
	// Name はアイテム名。
	Name string `json:"name" binding:"required"`
	// Description はアイテムの説明。
	Description string `json:"description"`
	// Price は価格。
	Price float64 `json:"price"`
}

// itemResponse はアイテムのJSONレスポンス構造。
type itemResponse struct {
	// ID はアイテムの一意識別子。
	ID string `json:"id"`
	// OwnerID はアイテムを作成したユーザーのID。
	OwnerID string `json:"owner_id"`
	// Name はアイテム名。
	Name string `json:"name"`
	// Description はアイテムの説明。
	Description string `json:"description"`
	// Price は価格。
	Price float64 `json:"price"`
	// HasImage は画像が登録済みかどうか。
	HasImage bool `json:"has_image"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// toItemResponse はDB行をJSONレスポンスに変換する。
func toItemResponse(i item) itemResponse {
	return itemResponse{
		ID:          i.ID,
		OwnerID:     i.OwnerID,
		Name:        i.Name,
		Description: i.Description,
		Price:       i.Price,
		HasImage:    i.ImageKey != "",
		CreatedAt:   i.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:   i.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// scanItem は現在行をitemに読み取る。
func scanItem(row *database.Row) (item, error) {
	var i item
	err := row.Scan(&i.ID, &i.OwnerID, &i.Name, &i.Description, &i.Price, &i.ImageKey, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

// getItemOwned はトランザクション内でアイテムを取得し、所有者を検証する。
// 存在しない場合はdatabase.ErrNotFound、所有者が異なる場合はerrForbiddenを返す。
func getItemOwned(ctx context.Context, tx *database.Tx, itemID, ownerID string) (item, error) {
	i, err := scanItem(tx.QueryRow(ctx,
		`SELECT id, owner_id, name, description, price, image_key, created_at, updated_at FROM items WHERE id = ?`,
		itemID))
	if err != nil {
		return item{}, err
	}
	if i.OwnerID != ownerID {
		return item{}, errForbidden
	}
	return i, nil
}

// errForbidden は所有者以外からのアクセスを示すエラー。
var errForbidden = errors.New("このアイテムへのアクセス権がありません")

// invalidateItemCache はアイテム配下のキャッシュエントリをまとめて削除する。
// 一覧のクエリバリアント・全詳細パスを含むプレフィックス一致で削除するため、
// どのページネーション指定で読まれたエントリも書き込み後に残ることはない。
// 書き込み系ハンドラが変更を確定させた後に呼び出す。
func (s *Server) invalidateItemCache(c *gin.Context, subject string) {
	s.cache.InvalidatePrefix(c.Request.Context(), cache.Prefix(subject, "/api/v1/items"))
}

// handleCreateItem はアイテム作成を処理するハンドラを返す。
// 所有者内で名前が重複している場合は409を返す。
func (s *Server) handleCreateItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)

		var req createItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		now := time.Now().UTC()
		created := item{
			ID:          uuid.New().String(),
			OwnerID:     principal.Subject,
			Name:        req.Name,
			Description: req.Description,
			Price:       req.Price,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		err := s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			_, err := tx.Exec(c.Request.Context(),
				`INSERT INTO items (id, owner_id, name, description, price, image_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				created.ID, created.OwnerID, created.Name, created.Description, created.Price, "", created.CreatedAt, created.UpdatedAt)
			return err
		})
		if errors.Is(err, database.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "同名のアイテムが既に存在します"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アイテムの作成に失敗しました"})
			log.Printf("アイテム作成エラー: %v", err)
			return
		}

		s.invalidateItemCache(c, principal.Subject)

		c.JSON(http.StatusCreated, toItemResponse(created))
	}
}

// maxListLimit は一覧取得の1ページあたりの最大件数。
const maxListLimit = 100

// parseListRange はskip/limitクエリパラメータを解析する。
// 省略時はskip=0、limit=100。不正な値はエラーを返す。
func parseListRange(c *gin.Context) (skip, limit int, err error) {
	skip = 0
	if v := c.Query("skip"); v != "" {
		skip, err = strconv.Atoi(v)
		if err != nil || skip < 0 {
			return 0, 0, fmt.Errorf("skipは0以上の整数を指定してください: %q", v)
		}
	}

	limit = maxListLimit
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limitは1以上の整数を指定してください: %q", v)
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
	}
	return skip, limit, nil
}

// handleListItems は現在のユーザーのアイテム一覧取得を処理するハンドラを返す。
// skip/limitクエリパラメータでページネーションできる。
func (s *Server) handleListItems() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)

		skip, limit, err := parseListRange(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		var items []item
		err = s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			rows, err := tx.Query(c.Request.Context(),
				`SELECT id, owner_id, name, description, price, image_key, created_at, updated_at FROM items WHERE owner_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
				principal.Subject, limit, skip)
			if err != nil {
				return err
			}
			defer func() {
				if err := rows.Close(); err != nil {
					log.Printf("行のクローズに失敗: %v", err)
				}
			}()

			for rows.Next() {
				var i item
				if err := rows.Scan(&i.ID, &i.OwnerID, &i.Name, &i.Description, &i.Price, &i.ImageKey, &i.CreatedAt, &i.UpdatedAt); err != nil {
					return err
				}
				items = append(items, i)
			}
			return rows.Err()
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アイテム一覧の取得に失敗しました"})
			log.Printf("アイテム一覧取得エラー: %v", err)
			return
		}

		responses := make([]itemResponse, 0, len(items))
		for _, i := range items {
			responses = append(responses, toItemResponse(i))
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleGetItem はアイテム詳細取得を処理するハンドラを返す。
func (s *Server) handleGetItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		itemID := c.Param("id")

		var found item
		err := s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			i, err := getItemOwned(c.Request.Context(), tx, itemID, principal.Subject)
			if err != nil {
				return err
			}
			found = i
			return nil
		})
		if s.respondItemError(c, err, "アイテムの取得に失敗しました") {
			return
		}

		c.JSON(http.StatusOK, toItemResponse(found))
	}
}

// handleUpdateItem はアイテム更新を処理するハンドラを返す。
// 所有者チェックと更新を同一トランザクション内で行う。
func (s *Server) handleUpdateItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		itemID := c.Param("id")

		var req updateItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		var updated item
		err := s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			i, err := getItemOwned(c.Request.Context(), tx, itemID, principal.Subject)
			if err != nil {
				return err
			}

			i.Name = req.Name
			i.Description = req.Description
			i.Price = req.Price
			i.UpdatedAt = time.Now().UTC()

			if _, err := tx.Exec(c.Request.Context(),
				`UPDATE items SET name = ?, description = ?, price = ?, updated_at = ? WHERE id = ?`,
				i.Name, i.Description, i.Price, i.UpdatedAt, i.ID); err != nil {
				return err
			}
			updated = i
			return nil
		})
		if errors.Is(err, database.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "同名のアイテムが既に存在します"})
			return
		}
		if s.respondItemError(c, err, "アイテムの更新に失敗しました") {
			return
		}

		s.invalidateItemCache(c, principal.Subject)

		c.JSON(http.StatusOK, toItemResponse(updated))
	}
}

// handleDeleteItem はアイテム削除を処理するハンドラを返す。
// 画像が登録されている場合はオブジェクトストレージからも削除する。
func (s *Server) handleDeleteItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.GetPrincipal(c)
		itemID := c.Param("id")

		var imageKey string
		err := s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			i, err := getItemOwned(c.Request.Context(), tx, itemID, principal.Subject)
			if err != nil {
				return err
			}
			imageKey = i.ImageKey

			_, err = tx.Exec(c.Request.Context(), `DELETE FROM items WHERE id = ?`, i.ID)
			return err
		})
		if s.respondItemError(c, err, "アイテムの削除に失敗しました") {
			return
		}

		// 画像の削除はベストエフォート。失敗してもアイテム自体の削除は
		// 確定済みであり、孤児オブジェクトが残るだけにとどまる。
		if imageKey != "" && s.storage != nil {
			if err := s.storage.Delete(c.Request.Context(), s.cfg.MinioBucket, imageKey); err != nil {
				log.Printf("画像の削除に失敗 key=%s: %v", imageKey, err)
			}
		}

		s.invalidateItemCache(c, principal.Subject)

		c.JSON(http.StatusOK, gin.H{"message": "アイテムを削除しました"})
	}
}

// handleUploadImage はアイテム画像のアップロードを処理するハンドラを返す。
// リクエストボディをそのままオブジェクトストレージに保存し、アイテムの
// image_keyを更新する。同一アイテムへの再アップロードは上書きとなる。
func (s *Server) handleUploadImage() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.storage == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "オブジェクトストレージが設定されていません"})
			return
		}

		principal := middleware.GetPrincipal(c)
		itemID := c.Param("id")

		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImageBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディの読み取りに失敗しました"})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが空です"})
			return
		}
		if len(data) > maxImageBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "画像サイズが上限を超えています"})
			return
		}

		contentType := c.ContentType()
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		// 所有者チェックを先に行い、他人のアイテムへのアップロードを
		// ストレージ書き込み前に拒否する。
		err = s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			_, err := getItemOwned(c.Request.Context(), tx, itemID, principal.Subject)
			return err
		})
		if s.respondItemError(c, err, "アイテムの取得に失敗しました") {
			return
		}

		imageKey := fmt.Sprintf("items/%s/image", itemID)
		if _, err := s.storage.Put(c.Request.Context(), s.cfg.MinioBucket, imageKey, data, contentType); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "画像の保存に失敗しました"})
			log.Printf("画像アップロードエラー key=%s: %v", imageKey, err)
			return
		}

		err = s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			_, err := tx.Exec(c.Request.Context(),
				`UPDATE items SET image_key = ?, updated_at = ? WHERE id = ?`,
				imageKey, time.Now().UTC(), itemID)
			return err
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "画像情報の更新に失敗しました"})
			log.Printf("画像キー更新エラー: %v", err)
			return
		}

		s.invalidateItemCache(c, principal.Subject)

		c.JSON(http.StatusOK, gin.H{"message": "画像をアップロードしました", "key": imageKey})
	}
}

// handleImageURL はアイテム画像の署名付きダウンロードURL取得を処理するハンドラを返す。
// URLの生成はローカルで完結するためストレージへの通信は発生しない。
func (s *Server) handleImageURL() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.storage == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "オブジェクトストレージが設定されていません"})
			return
		}

		principal := middleware.GetPrincipal(c)
		itemID := c.Param("id")

		var found item
		err := s.gateway.WithinTx(c.Request.Context(), func(tx *database.Tx) error {
			i, err := getItemOwned(c.Request.Context(), tx, itemID, principal.Subject)
			if err != nil {
				return err
			}
			found = i
			return nil
		})
		if s.respondItemError(c, err, "アイテムの取得に失敗しました") {
			return
		}

		if found.ImageKey == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "画像が登録されていません"})
			return
		}

		signedURL, err := s.storage.SignedURL(c.Request.Context(), s.cfg.MinioBucket, found.ImageKey, signedURLExpiry, storage.SignRead)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "署名付きURLの生成に失敗しました"})
			log.Printf("署名付きURL生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"url":        signedURL,
			"expires_in": int(signedURLExpiry.Seconds()),
		})
	}
}

// respondItemError はアイテム操作の共通エラーをHTTPレスポンスに変換する。
// エラーを処理した場合はtrueを返す。
func (s *Server) respondItemError(c *gin.Context, err error, message string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "アイテムが見つかりません"})
	case errors.Is(err, errForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": errForbidden.Error()})
	case errors.Is(err, database.ErrTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "データベースが混雑しています"})
		log.Printf("%s: %v", message, err)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		log.Printf("%s: %v", message, err)
	}
	return true
}
