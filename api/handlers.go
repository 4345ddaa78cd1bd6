package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"bazaar/adapters/notify"
	"bazaar/engine"
	"bazaar/models"
)

const (
	headerPlayerID   = "X-Player-Id"
	headerPlayerName = "X-Player-Name"
	headerAdmin      = "X-Market-Admin"
)

// RegisterRoutes 在 gin 路由器上掛載市集的 HTTP 介面。
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	market := router.Group("/market")
	{
		market.GET("/gate", impl.GetGate)
		market.PUT("/gate", impl.PutGate)
		market.PUT("/anchor", impl.PutAnchor)
		market.DELETE("/anchor", impl.DeleteAnchor)
		market.POST("/teleport", impl.PostTeleport)
		market.GET("/names", impl.GetNames)
		market.POST("/sweep", impl.PostSweep)

		auctions := market.Group("/auctions")
		{
			auctions.POST("", impl.PostAuction)
			auctions.GET("", impl.GetAuctions)
			auctions.GET("/:name", impl.GetAuctionByName)
			auctions.DELETE("/:name", impl.DeleteAuction)
			auctions.POST("/:name/bids", impl.PostBid)
			auctions.POST("/:name/buyout", impl.PostBuyoutRequest)
			auctions.POST("/:name/buyout/confirm", impl.PostBuyoutConfirm)
		}

		market.GET("/events", HeadersMiddleware(), impl.StreamEvents)
		market.GET("/events/:name", HeadersMiddleware(), impl.StreamEvents)
	}
}

// HeadersMiddleware 設置SSE回應需要的標頭。
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("Transfer-Encoding", "chunked")
		c.Next()
	}
}

type errorResponse struct {
	Message string `json:"message"`
}

// statusOf 將市集錯誤轉換為HTTP狀態碼。
func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrGateClosed),
		errors.Is(err, engine.ErrPermissionDenied),
		errors.Is(err, engine.ErrWrongRequester):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrDuplicateName),
		errors.Is(err, engine.ErrStateConflict),
		errors.Is(err, engine.ErrAuctionHasBids):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, engine.ErrExpiredConfirmation):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		c.JSON(status, errorResponse{Message: "internal error"})
		return
	}
	c.JSON(status, errorResponse{Message: err.Error()})
}

// playerIdentity 從請求標頭取得玩家身分
// 呼叫端是受信任的遊戲伺服器，玩家已由宿主完成驗證。
func playerIdentity(c *gin.Context) (uuid.UUID, string, bool) {
	id, err := uuid.Parse(c.GetHeader(headerPlayerID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Message: "missing or invalid player identity"})
		return uuid.Nil, "", false
	}
	name := c.GetHeader(headerPlayerName)
	if name == "" {
		name = id.String()
	}
	return id, name, true
}

func isAdmin(c *gin.Context) bool {
	return c.GetHeader(headerAdmin) == "true"
}

type auctionView struct {
	Name              string    `json:"name"`
	SellerName        string    `json:"sellerName"`
	StartPrice        int64     `json:"startPrice"`
	BuyoutPrice       *int64    `json:"buyoutPrice,omitempty"`
	HighestBid        *int64    `json:"highestBid,omitempty"`
	HighestBidderName *string   `json:"highestBidderName,omitempty"`
	State             string    `json:"state"`
	ListedAt          time.Time `json:"listedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

func viewOf(a *models.Auction) auctionView {
	view := auctionView{
		Name:        a.Name,
		SellerName:  a.SellerName,
		StartPrice:  a.StartPrice,
		BuyoutPrice: a.BuyoutPrice,
		HighestBid:  a.HighestBid,
		State:       string(a.State),
		ListedAt:    a.ListedAt,
		ExpiresAt:   a.ExpiresAt,
	}
	if a.HasBid() {
		view.HighestBidderName = lo.ToPtr(a.HighestBidderName)
	}
	return view
}

type postAuctionRequest struct {
	Name        string `json:"name" binding:"required"`
	StartPrice  int64  `json:"startPrice" binding:"required"`
	BuyoutPrice *int64 `json:"buyoutPrice"`
	Hours       int    `json:"hours"`
	// Item 是物品的序列化內容，由遊戲伺服器產生，市集不解析
	Item []byte `json:"item" binding:"required"`
}

// Create a new auction listing
// (POST /market/auctions)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	seller, sellerName, ok := playerIdentity(c)
	if !ok {
		return
	}
	var request postAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	// 名稱會回顯在聊天與網頁上，先清掉任何標記
	request.Name = impl.htmlChecker.Sanitize(request.Name)

	handle, err := impl.custody.Hold(c.Request.Context(), seller, request.Item)
	if err != nil {
		abortWithError(c, err)
		return
	}
	auction, err := impl.engine.CreateAuction(c.Request.Context(), engine.CreateParams{
		SellerID:    seller,
		SellerName:  sellerName,
		Name:        request.Name,
		ItemHandle:  handle,
		StartPrice:  request.StartPrice,
		BuyoutPrice: request.BuyoutPrice,
		Hours:       request.Hours,
	})
	if err != nil {
		// 掛單失敗時把物品還給賣家，不能讓物品卡在保管者手上
		if _, releaseErr := impl.custody.Release(c.Request.Context(), handle, seller); releaseErr != nil {
			slog.Error("Fail to return item after rejected listing", slog.Any("error", releaseErr))
		}
		abortWithError(c, err)
		return
	}
	c.Header("Location", "/market/auctions/"+auction.Name)
	c.JSON(http.StatusCreated, viewOf(auction))
}

// List active auctions
// (GET /market/auctions)
func (impl *ServerImpl) GetAuctions(c *gin.Context) {
	var filter engine.ListFilter
	if seller := c.Query("seller"); seller != "" {
		id, err := uuid.Parse(seller)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid seller id"})
			return
		}
		filter.Seller = &id
	}
	if hasBuyout := c.Query("hasBuyout"); hasBuyout != "" {
		filter.HasBuyout = lo.ToPtr(hasBuyout == "true")
	}
	filter.Prefix = c.Query("prefix")

	auctions := impl.engine.ListAuctions(filter)
	views := make([]auctionView, len(auctions))
	for i, a := range auctions {
		views[i] = viewOf(a)
	}
	c.JSON(http.StatusOK, views)
}

type bidRecordView struct {
	BidderName string    `json:"bidderName"`
	Amount     int64     `json:"amount"`
	Time       time.Time `json:"time"`
}

type auctionDetailView struct {
	auctionView
	BidRecords []bidRecordView `json:"bidRecords"`
}

// Get auction details with bid history
// (GET /market/auctions/{name})
func (impl *ServerImpl) GetAuctionByName(c *gin.Context) {
	auction, records, err := impl.engine.GetAuction(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	detail := auctionDetailView{
		auctionView: viewOf(auction),
		BidRecords:  make([]bidRecordView, len(records)),
	}
	for i, record := range records {
		detail.BidRecords[i] = bidRecordView{
			BidderName: record.BidderName,
			Amount:     record.Amount,
			Time:       record.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, detail)
}

// Cancel an auction
// (DELETE /market/auctions/{name})
func (impl *ServerImpl) DeleteAuction(c *gin.Context) {
	requester, _, ok := playerIdentity(c)
	if !ok {
		return
	}
	auction, err := impl.engine.Cancel(c.Request.Context(), requester, c.Param("name"), isAdmin(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(auction))
}

type postBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Place a bid on an auction
// (POST /market/auctions/{name}/bids)
func (impl *ServerImpl) PostBid(c *gin.Context) {
	bidder, bidderName, ok := playerIdentity(c)
	if !ok {
		return
	}
	var request postBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	auction, err := impl.engine.Bid(c.Request.Context(), bidder, bidderName, c.Param("name"), request.Amount)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(auction))
}

type buyoutTokenView struct {
	AuctionName string    `json:"auctionName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Request a buyout confirmation token
// (POST /market/auctions/{name}/buyout)
func (impl *ServerImpl) PostBuyoutRequest(c *gin.Context) {
	sender, senderName, ok := playerIdentity(c)
	if !ok {
		return
	}
	token, err := impl.engine.BuyoutRequest(c.Request.Context(), sender, senderName, c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, buyoutTokenView{
		AuctionName: c.Param("name"),
		ExpiresAt:   token.ExpiresAt,
	})
}

// Confirm a pending buyout
// (POST /market/auctions/{name}/buyout/confirm)
func (impl *ServerImpl) PostBuyoutConfirm(c *gin.Context) {
	buyer, _, ok := playerIdentity(c)
	if !ok {
		return
	}
	auction, err := impl.engine.BuyoutConfirm(c.Request.Context(), buyer, c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(auction))
}

type gateView struct {
	Open bool `json:"open"`
}

// Get market gate state
// (GET /market/gate)
func (impl *ServerImpl) GetGate(c *gin.Context) {
	c.JSON(http.StatusOK, gateView{Open: impl.engine.IsOpen()})
}

// Toggle market gate
// (PUT /market/gate)
func (impl *ServerImpl) PutGate(c *gin.Context) {
	if !isAdmin(c) {
		c.JSON(http.StatusForbidden, errorResponse{Message: "admin only"})
		return
	}
	var request gateView
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	if err := impl.engine.SetOpen(c.Request.Context(), request.Open); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// Set the market teleport anchor
// (PUT /market/anchor)
func (impl *ServerImpl) PutAnchor(c *gin.Context) {
	setBy, setByName, ok := playerIdentity(c)
	if !ok {
		return
	}
	if !isAdmin(c) {
		c.JSON(http.StatusForbidden, errorResponse{Message: "admin only"})
		return
	}
	var request engine.Location
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	if err := impl.engine.SpawnAnchor(c.Request.Context(), request, setBy, setByName); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// Remove the market teleport anchor
// (DELETE /market/anchor)
func (impl *ServerImpl) DeleteAnchor(c *gin.Context) {
	if !isAdmin(c) {
		c.JSON(http.StatusForbidden, errorResponse{Message: "admin only"})
		return
	}
	if err := impl.engine.RemoveSpawnAnchor(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resolve the teleport destination for a player
// (POST /market/teleport)
func (impl *ServerImpl) PostTeleport(c *gin.Context) {
	player, _, ok := playerIdentity(c)
	if !ok {
		return
	}
	location, err := impl.engine.Teleport(player)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, location)
}

// List auction names for command completion
// (GET /market/names)
func (impl *ServerImpl) GetNames(c *gin.Context) {
	switch c.Query("filter") {
	case "buyout":
		c.JSON(http.StatusOK, impl.engine.AuctionNamesWithBuyout())
	case "mine":
		player, _, ok := playerIdentity(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, impl.engine.AuctionNamesOwnedBy(player))
	default:
		c.JSON(http.StatusOK, impl.engine.AuctionNames())
	}
}

// Run one expiry sweep immediately
// (POST /market/sweep)
func (impl *ServerImpl) PostSweep(c *gin.Context) {
	if !isAdmin(c) {
		c.JSON(http.StatusForbidden, errorResponse{Message: "admin only"})
		return
	}
	impl.engine.Sweep(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// Stream market events over SSE
// (GET /market/events, GET /market/events/{name})
func (impl *ServerImpl) StreamEvents(c *gin.Context) {
	auction := c.Param("name")
	if auction == "" {
		auction = notify.AllAuctions
	}
	ch := impl.hub.Subscribe(auction)
	defer impl.hub.Unsubscribe(auction, ch)

	w := c.Writer
	clientGone := w.CloseNotify()
	for {
		select {
		case <-clientGone:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("message", event.Event)
			w.Flush()
		}
	}
}
