package handlers

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"dlottery/internal/bank"
	"dlottery/internal/broker"
	"dlottery/internal/services"
	"dlottery/internal/units"
)

var errInvalidSignature = errors.New("invalid entry signature")

// HTTPHandler holds the dependencies for the HTTP handlers.
type HTTPHandler struct {
	service      *services.LotteryService
	bank         *bank.Bank
	coordinator  *broker.Coordinator
	debug        bool
	brokerSecret string
}

// NewHTTPHandler creates a new HTTPHandler. coordinator may be nil when an
// external broker delivers randomness. The broker callback is only served
// when brokerSecret is set, and the in-process broker and faucet routes only
// in debug mode.
func NewHTTPHandler(service *services.LotteryService, b *bank.Bank, coordinator *broker.Coordinator, debug bool, brokerSecret string) *HTTPHandler {
	return &HTTPHandler{
		service:      service,
		bank:         b,
		coordinator:  coordinator,
		debug:        debug,
		brokerSecret: brokerSecret,
	}
}

// RegisterRoutes registers all the application routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	v1.GET("/lottery", h.GetLottery)
	v1.POST("/enter", h.Enter)
	v1.GET("/upkeep", h.CheckUpkeep)
	v1.POST("/upkeep", h.PerformUpkeep)
	v1.GET("/participants/:index", h.GetParticipant)
	v1.GET("/winner", h.GetRecentWinner)
	v1.GET("/payouts/stranded", h.ListStranded)
	v1.POST("/payouts/stranded/:address/release", h.ReleaseStranded)
	v1.GET("/accounts/:address", h.GetBalance)

	if h.brokerSecret != "" {
		v1.POST("/fulfill", BrokerAuth(h.brokerSecret), h.Fulfill)
	}
	if h.debug {
		v1.POST("/accounts/:address/fund", h.FundAccount)
		if h.coordinator != nil {
			v1.GET("/broker/requests", h.ListBrokerRequests)
			v1.POST("/broker/requests/:id/fulfill", h.DeliverBrokerRequest)
		}
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps lottery errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, services.ErrInsufficientEntranceFee):
		status, code = http.StatusBadRequest, "INSUFFICIENT_ENTRANCE_FEE"
	case errors.Is(err, bank.ErrInsufficientBalance):
		status, code = http.StatusBadRequest, "INSUFFICIENT_BALANCE"
	case errors.Is(err, errInvalidSignature):
		status, code = http.StatusUnauthorized, "INVALID_SIGNATURE"
	case errors.Is(err, bank.ErrNonceMismatch):
		status, code = http.StatusConflict, "NONCE_MISMATCH"
	case errors.Is(err, bank.ErrInvalidAmount), errors.Is(err, services.ErrNoRandomWords):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, services.ErrIndexOutOfRange):
		status, code = http.StatusNotFound, "INDEX_OUT_OF_RANGE"
	case errors.Is(err, services.ErrUnknownRequestID):
		status, code = http.StatusNotFound, "UNKNOWN_REQUEST_ID"
	case errors.Is(err, broker.ErrNonexistentRequest):
		status, code = http.StatusNotFound, "NONEXISTENT_REQUEST"
	case errors.Is(err, services.ErrNoStrandedPayout):
		status, code = http.StatusNotFound, "NO_STRANDED_PAYOUT"
	case errors.Is(err, services.ErrLotteryNotOpen):
		status, code = http.StatusConflict, "LOTTERY_NOT_OPEN"
	case errors.Is(err, services.ErrUpkeepNotNeeded):
		status, code = http.StatusConflict, "UPKEEP_NOT_NEEDED"
	case errors.Is(err, services.ErrReentrantCall):
		status, code = http.StatusConflict, "REENTRANT_CALL"
	case errors.Is(err, services.ErrPayoutTransferFailed):
		status, code = http.StatusBadGateway, "PAYOUT_TRANSFER_FAILED"
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "BAD_REQUEST", Message: msg})
}

func parseAddress(c *gin.Context, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		badRequest(c, "invalid address "+strconv.Quote(s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// Health reports liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"service":   "dlottery",
	})
}

type strandedView struct {
	Winner    string `json:"winner"`
	Amount    string `json:"amount"`
	RequestID uint64 `json:"requestId"`
	At        int64  `json:"at"`
}

type lotteryView struct {
	State               string         `json:"state"`
	EntranceFee         string         `json:"entranceFee"`
	EntranceFeeWei      string         `json:"entranceFeeWei"`
	GateIntervalSeconds int64          `json:"gateIntervalSeconds"`
	ParticipantCount    int            `json:"participantCount"`
	Pool                string         `json:"pool"`
	LastDrawTimestamp   int64          `json:"lastDrawTimestamp"`
	RecentWinner        string         `json:"recentWinner,omitempty"`
	PendingRequestID    *uint64        `json:"pendingRequestId,omitempty"`
	Stranded            []strandedView `json:"stranded"`
}

// GetLottery returns the full lottery state.
func (h *HTTPHandler) GetLottery(c *gin.Context) {
	l := h.service.Snapshot()
	view := lotteryView{
		State:               l.State.String(),
		EntranceFee:         units.FormatEther(l.EntranceFee),
		EntranceFeeWei:      l.EntranceFee.String(),
		GateIntervalSeconds: int64(l.GateInterval / time.Second),
		ParticipantCount:    len(l.Participants),
		Pool:                units.FormatEther(l.Pool),
		LastDrawTimestamp:   l.LastDrawTimestamp.Unix(),
		PendingRequestID:    l.PendingRequestID,
		Stranded:            make([]strandedView, 0, len(l.Stranded)),
	}
	if l.RecentWinner != nil {
		view.RecentWinner = l.RecentWinner.Hex()
	}
	for _, s := range l.Stranded {
		view.Stranded = append(view.Stranded, toStrandedView(s.Winner, s.Amount, s.RequestID, s.At))
	}
	c.JSON(http.StatusOK, view)
}

func toStrandedView(winner common.Address, amount *big.Int, requestID uint64, at time.Time) strandedView {
	return strandedView{
		Winner:    winner.Hex(),
		Amount:    units.FormatEther(amount),
		RequestID: requestID,
		At:        at.Unix(),
	}
}

type enterRequest struct {
	Participant string `json:"participant" binding:"required"`
	// Amount in ether, e.g. "0.1".
	Amount string `json:"amount" binding:"required"`
	Nonce  uint64 `json:"nonce"`
	// Signature is the participant's personal_sign signature of
	// EnterMessage, hex encoded.
	Signature string `json:"signature" binding:"required"`
}

// EnterMessage is the text a participant signs to spend amount wei of their
// bank balance on an entry. custody identifies the deployment and nonce is
// the participant's current account nonce.
func EnterMessage(custody common.Address, amount *big.Int, nonce uint64) string {
	return fmt.Sprintf("dlottery %s: enter with %s wei, nonce %d", custody.Hex(), amount.String(), nonce)
}

// recoverSigner returns the address that signed msg with an Ethereum
// personal_sign signature.
func recoverSigner(msg, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes", errInvalidSignature, crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Enter handles a deposit into the current round. The deposit is taken from
// the participant's bank balance, so the request must be signed by the
// participant and carry their current nonce.
func (h *HTTPHandler) Enter(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	participant, ok := parseAddress(c, req.Participant)
	if !ok {
		return
	}
	amount, err := units.ParseEther(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	signer, err := recoverSigner(EnterMessage(h.bank.Custody(), amount, req.Nonce), req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}
	if signer != participant {
		writeError(c, fmt.Errorf("%w: signed by %s", errInvalidSignature, signer.Hex()))
		return
	}
	if err := h.bank.UseNonce(c.Request.Context(), participant, req.Nonce); err != nil {
		writeError(c, err)
		return
	}
	if err := h.service.Enter(c.Request.Context(), participant, amount); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"participant":      participant.Hex(),
		"participantCount": h.service.ParticipantCount(),
	})
}

// CheckUpkeep reports whether a draw may be triggered.
func (h *HTTPHandler) CheckUpkeep(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"upkeepNeeded": h.service.CheckEligible()})
}

// PerformUpkeep triggers a draw.
func (h *HTTPHandler) PerformUpkeep(c *gin.Context) {
	id, err := h.service.TriggerDraw(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": id})
}

type fulfillRequest struct {
	RequestID uint64 `json:"requestId"`
	// RandomWords are base-10 unsigned integers.
	RandomWords []string `json:"randomWords" binding:"required"`
}

// Fulfill is the broker callback delivering random words.
func (h *HTTPHandler) Fulfill(c *gin.Context) {
	var req fulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	words, err := parseWords(req.RandomWords)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.service.FulfillRandomWords(c.Request.Context(), req.RequestID, words); err != nil {
		writeError(c, err)
		return
	}
	h.GetRecentWinner(c)
}

func parseWords(raw []string) ([]*big.Int, error) {
	words := make([]*big.Int, 0, len(raw))
	for _, r := range raw {
		w, err := units.ParseWei(r)
		if err != nil {
			return nil, err
		}
		words = append(words, w)
	}
	return words, nil
}

// GetParticipant returns the participant at the given index.
func (h *HTTPHandler) GetParticipant(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "invalid index")
		return
	}
	p, err := h.service.Participant(index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "participant": p.Hex()})
}

// GetRecentWinner returns the winner of the last completed round.
func (h *HTTPHandler) GetRecentWinner(c *gin.Context) {
	w, ok := h.service.RecentWinner()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"recentWinner": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recentWinner": w.Hex()})
}

// ListStranded returns payouts the winners rejected.
func (h *HTTPHandler) ListStranded(c *gin.Context) {
	stranded := h.service.StrandedPayouts()
	out := make([]strandedView, 0, len(stranded))
	for _, s := range stranded {
		out = append(out, toStrandedView(s.Winner, s.Amount, s.RequestID, s.At))
	}
	c.JSON(http.StatusOK, gin.H{"stranded": out})
}

// ReleaseStranded retries the stranded payouts of one winner.
func (h *HTTPHandler) ReleaseStranded(c *gin.Context) {
	winner, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	paid, err := h.service.ReleaseStranded(c.Request.Context(), winner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"winner": winner.Hex(), "amount": units.FormatEther(paid)})
}

// GetBalance returns an account balance.
func (h *HTTPHandler) GetBalance(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	bal := h.bank.BalanceOf(addr)
	c.JSON(http.StatusOK, gin.H{
		"address":    addr.Hex(),
		"balance":    units.FormatEther(bal),
		"balanceWei": bal.String(),
		"nonce":      h.bank.Nonce(addr),
	})
}

type fundRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// FundAccount credits an account on development networks.
func (h *HTTPHandler) FundAccount(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := units.ParseEther(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.bank.Fund(c.Request.Context(), addr, amount); err != nil {
		writeError(c, err)
		return
	}
	h.GetBalance(c)
}

// ListBrokerRequests returns the ids awaiting delivery by the in-process broker.
func (h *HTTPHandler) ListBrokerRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": h.coordinator.Pending()})
}

type deliverRequest struct {
	RandomWords []string `json:"randomWords"`
}

// DeliverBrokerRequest makes the in-process broker fulfil a request now,
// optionally with caller-chosen words.
func (h *HTTPHandler) DeliverBrokerRequest(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid request id")
		return
	}
	var req deliverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	words, err := parseWords(req.RandomWords)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.coordinator.FulfillRandomWordsWithOverride(c.Request.Context(), id, words); err != nil {
		writeError(c, err)
		return
	}
	h.GetRecentWinner(c)
}
