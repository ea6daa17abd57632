package handlers

import (
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/events"
	"tokenlottery/internal/lottery"
	"tokenlottery/internal/metrics"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/services"
	"tokenlottery/internal/store"
)

// CallerHeader carries the identity of the account submitting an operation.
const CallerHeader = "X-Caller-ID"

const callerKey = "caller"

const defaultTicketPageSize = 100

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service  *services.LotteryService
	oracle   *oracle.Local
	bus      *events.EventBus
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	manual   *clock.Manual
}

// NewHTTPHandler creates a new HTTPHandler. local, bus, m and gatherer may be
// nil; the routes that need them are then not registered.
func NewHTTPHandler(service *services.LotteryService, local *oracle.Local, bus *events.EventBus, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPHandler {
	return &HTTPHandler{
		service:  service,
		oracle:   local,
		bus:      bus,
		metrics:  m,
		gatherer: gatherer,
	}
}

// WithManualClock exposes POST /clock/advance, which moves m forward.
func (h *HTTPHandler) WithManualClock(m *clock.Manual) *HTTPHandler {
	h.manual = m
	return h
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string  `json:"error"`
	Message   string  `json:"message"`
	Phase     string  `json:"phase,omitempty"`
	Slot      *uint64 `json:"slot,omitempty"`
	Required  string  `json:"required,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

// CallerMiddleware rejects requests without a caller identity, or acting as
// a service-owned account, and stores the caller in the context for the
// handlers.
func (h *HTTPHandler) CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader(CallerHeader)
		if caller == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_caller",
				Message: CallerHeader + " header is required",
			})
			return
		}
		if models.Reserved(caller) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:   "reserved_caller",
				Message: caller + " is a service account",
			})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// RegisterPublicRoutes registers the read-only routes and the oracle driver.
func (h *HTTPHandler) RegisterPublicRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/clock", h.Clock)
	if h.manual != nil {
		router.POST("/clock/advance", h.AdvanceClock)
	}
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	router.GET("/lotteries", h.ListLotteries)
	router.GET("/lotteries/:id", h.GetLottery)
	router.GET("/lotteries/:id/tickets", h.ListTickets)
	router.GET("/lotteries/:id/tickets.csv", h.ExportTicketsCSV)
	router.GET("/lotteries/:id/tickets/:index", h.GetTicket)
	if h.bus != nil {
		router.GET("/lotteries/:id/events", h.StreamEvents)
	}
	router.GET("/accounts/:id", h.GetAccount)
	router.POST("/accounts/:id/fund", h.FundAccount)

	if h.oracle != nil {
		router.POST("/oracle/requests", h.CreateOracleRequest)
		router.GET("/oracle/requests/:ref", h.GetOracleRequest)
		router.POST("/oracle/requests/:ref/commit", h.CommitOracleRequest)
		router.POST("/oracle/requests/:ref/reveal", h.RevealOracleRequest)
	}
}

// RegisterCallerRoutes registers the lottery operations. The group must use
// CallerMiddleware.
func (h *HTTPHandler) RegisterCallerRoutes(group gin.IRouter) {
	group.POST("/lotteries", h.CreateLottery)
	group.PUT("/lotteries/:id/config", h.InitializeConfig)
	group.POST("/lotteries/:id/initialize", h.InitializeLottery)
	group.POST("/lotteries/:id/tickets", h.BuyTicket)
	group.POST("/lotteries/:id/commit", h.CommitRandomness)
	group.POST("/lotteries/:id/reveal", h.RevealWinner)
	group.POST("/lotteries/:id/claim", h.ClaimWinnings)
}

func caller(c *gin.Context) string {
	return c.GetString(callerKey)
}

// statusFor maps an operation error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	if kind := lottery.Kind(err); kind != "" {
		switch {
		case errors.Is(err, lottery.ErrInvalidWindow),
			errors.Is(err, lottery.ErrInvalidPrice),
			errors.Is(err, lottery.ErrUnknownRequest),
			errors.Is(err, lottery.ErrStaleRandomness):
			return http.StatusBadRequest, kind
		case errors.Is(err, lottery.ErrUnauthorized),
			errors.Is(err, lottery.ErrNotWinner):
			return http.StatusForbidden, kind
		case errors.Is(err, lottery.ErrNotFound):
			return http.StatusNotFound, kind
		case errors.Is(err, lottery.ErrTooEarly):
			return http.StatusTooEarly, kind
		case errors.Is(err, lottery.ErrInsufficientPayment):
			return http.StatusPaymentRequired, kind
		default:
			return http.StatusConflict, kind
		}
	}
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrOverflow),
		errors.Is(err, store.ErrSelfTransfer):
		return http.StatusConflict, "conflict"
	case errors.Is(err, services.ErrFaucetDisabled):
		return http.StatusForbidden, "faucet_disabled"
	case errors.Is(err, oracle.ErrUnknownRequest):
		return http.StatusNotFound, "unknown_request"
	case errors.Is(err, oracle.ErrQueueMismatch):
		return http.StatusBadRequest, "queue_mismatch"
	case errors.Is(err, oracle.ErrNotMatured):
		return http.StatusTooEarly, "not_matured"
	case errors.Is(err, oracle.ErrAlreadyCommitted),
		errors.Is(err, oracle.ErrAlreadyRevealed),
		errors.Is(err, oracle.ErrNotCommitted):
		return http.StatusConflict, "oracle_conflict"
	case errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable, "oracle_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes the error response for err.
func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Retryable: lottery.Retryable(err) || errors.Is(err, oracle.ErrNotMatured),
	}
	var guard *lottery.GuardError
	if errors.As(err, &guard) {
		slot := guard.Slot
		resp.Phase = guard.Phase.String()
		resp.Slot = &slot
		resp.Required = guard.Required
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		resp.Message = "internal error"
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
}

// bindOptionalJSON binds the body into obj when one was sent.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(obj)
}

// Health reports liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.oracle != nil {
		body["oracleQueue"] = h.oracle.Queue()
	}
	c.JSON(http.StatusOK, body)
}

// Clock reports the current slot.
func (h *HTTPHandler) Clock(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slot": h.service.CurrentSlot()})
}

type advanceRequest struct {
	Slots uint64 `json:"slots" binding:"required,gt=0"`
}

// AdvanceClock moves the manual clock forward.
func (h *HTTPHandler) AdvanceClock(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	slot := h.manual.Advance(req.Slots)
	logger.Infof("clock: advanced %d slots to %d", req.Slots, slot)
	c.JSON(http.StatusOK, gin.H{"slot": slot})
}

type configRequest struct {
	StartSlot   uint64 `json:"startSlot"`
	EndSlot     uint64 `json:"endSlot"`
	TicketPrice uint64 `json:"ticketPrice"`
}

// CreateLottery configures a lottery under a generated id.
func (h *HTTPHandler) CreateLottery(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	l, err := h.service.CreateLottery(c.Request.Context(), caller(c), req.StartSlot, req.EndSlot, req.TicketPrice)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// InitializeConfig configures the lottery named in the path.
func (h *HTTPHandler) InitializeConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	l, err := h.service.InitializeConfig(c.Request.Context(), c.Param("id"), caller(c), req.StartSlot, req.EndSlot, req.TicketPrice)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// InitializeLottery opens the ticket sale.
func (h *HTTPHandler) InitializeLottery(c *gin.Context) {
	l, err := h.service.InitializeLottery(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type buyTicketRequest struct {
	Payment uint64 `json:"payment"`
}

type ticketResponse struct {
	models.TicketRecord
	Metadata models.TicketMetadata `json:"metadata"`
}

func (h *HTTPHandler) ticketView(t models.TicketRecord) ticketResponse {
	return ticketResponse{TicketRecord: t, Metadata: t.Metadata(h.service.TicketURI())}
}

// BuyTicket sells one ticket to the caller.
func (h *HTTPHandler) BuyTicket(c *gin.Context) {
	var req buyTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ticket, err := h.service.BuyTicket(c.Request.Context(), c.Param("id"), caller(c), req.Payment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.ticketView(*ticket))
}

type commitRequest struct {
	RequestRef string `json:"requestRef"`
	QueueRef   string `json:"queueRef"`
}

// CommitRandomness binds an oracle request to the lottery. Without a
// requestRef, and with the local oracle enabled, a request is created and
// committed at the oracle first.
func (h *HTTPHandler) CommitRandomness(c *gin.Context) {
	var req commitRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if req.RequestRef == "" {
		if h.oracle == nil {
			badRequest(c, errors.New("requestRef is required"))
			return
		}
		ref, err := h.createAndCommit(c, req.QueueRef)
		if err != nil {
			h.fail(c, err)
			return
		}
		req.RequestRef = ref
	}
	l, err := h.service.CommitRandomness(ctx, c.Param("id"), caller(c), req.RequestRef)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *HTTPHandler) createAndCommit(c *gin.Context, queueRef string) (string, error) {
	ctx := c.Request.Context()
	ref, err := h.oracle.CreateRequest(ctx, queueRef)
	h.observeOracle("create", err)
	if err != nil {
		return "", err
	}
	ins, err := h.oracle.Commit(ctx, ref, queueRef)
	if err == nil {
		_, err = h.oracle.Execute(ctx, ins)
	}
	h.observeOracle(string(oracle.InstructionCommit), err)
	return ref, err
}

type revealRequest struct {
	RevealOracle bool `json:"revealOracle"`
}

// RevealWinner draws the winning ticket. With revealOracle set, the local
// oracle reveals the lottery's request first.
func (h *HTTPHandler) RevealWinner(c *gin.Context) {
	var req revealRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if req.RevealOracle && h.oracle != nil {
		l, err := h.service.GetLottery(ctx, id)
		if err != nil {
			h.fail(c, err)
			return
		}
		if ref := l.State.RandomnessRef; ref != "" {
			ins, err := h.oracle.Reveal(ctx, ref)
			if err == nil {
				_, err = h.oracle.Execute(ctx, ins)
			}
			if !errors.Is(err, oracle.ErrAlreadyRevealed) {
				h.observeOracle(string(oracle.InstructionReveal), err)
				if err != nil {
					h.fail(c, err)
					return
				}
			}
		}
	}
	l, err := h.service.RevealWinner(ctx, id, caller(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// ClaimWinnings pays the prize to the caller.
func (h *HTTPHandler) ClaimWinnings(c *gin.Context) {
	id := c.Param("id")
	paid, err := h.service.ClaimWinnings(c.Request.Context(), id, caller(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lotteryId": id, "winner": caller(c), "payout": paid})
}

// ListLotteries returns the state of every lottery.
func (h *HTTPHandler) ListLotteries(c *gin.Context) {
	states, err := h.service.GetLotteries(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

// GetLottery returns one lottery.
func (h *HTTPHandler) GetLottery(c *gin.Context) {
	l, err := h.service.GetLottery(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func pageParams(c *gin.Context) (offset, limit int, err error) {
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return 0, 0, errors.New("invalid offset")
	}
	limit, err = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTicketPageSize)))
	if err != nil || limit <= 0 {
		return 0, 0, errors.New("invalid limit")
	}
	return offset, limit, nil
}

// ListTickets returns a page of tickets in index order.
func (h *HTTPHandler) ListTickets(c *gin.Context) {
	offset, limit, err := pageParams(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	tickets, err := h.service.GetTickets(c.Request.Context(), c.Param("id"), offset, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, h.ticketView(t))
	}
	c.JSON(http.StatusOK, out)
}

// GetTicket returns one ticket with its metadata.
func (h *HTTPHandler) GetTicket(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("invalid ticket index"))
		return
	}
	ticket, err := h.service.GetTicket(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ticketView(*ticket))
}

// ExportTicketsCSV handles the request to download the ticket ledger as a CSV file.
func (h *HTTPHandler) ExportTicketsCSV(c *gin.Context) {
	id := c.Param("id")
	tickets, err := h.service.GetTickets(c.Request.Context(), id, 0, -1)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=tickets-"+id+".csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"index", "owner", "purchased_slot", "name", "symbol", "uri"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
		return
	}
	for _, t := range tickets {
		meta := t.Metadata(h.service.TicketURI())
		row := []string{
			strconv.FormatUint(t.Index, 10),
			t.Owner,
			strconv.FormatUint(t.PurchasedSlot, 10),
			meta.Name,
			meta.Symbol,
			meta.URI,
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			c.String(http.StatusInternalServerError, "Error writing CSV")
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
	}
}

// StreamEvents streams the lifecycle events of one lottery as server-sent
// events until the client goes away.
func (h *HTTPHandler) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.service.GetLottery(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	type subscription struct {
		eventType events.EventType
		id        events.SubscriberId
	}
	merged := make(chan events.Event, events.EventQueueSize)
	subs := make([]subscription, 0, len(events.AllTypes))
	for _, t := range events.AllTypes {
		subID := h.bus.SubscribeFunc(t, func(evt events.Event) {
			if evt.LotteryID != id {
				return
			}
			select {
			case merged <- evt:
			default:
				logger.Warningf("events: stream for lottery %s is behind, dropping %s", id, evt.Type)
			}
		})
		subs = append(subs, subscription{eventType: t, id: subID})
	}
	defer func() {
		for _, s := range subs {
			h.bus.Unsubscribe(s.eventType, s.id)
		}
	}()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case evt := <-merged:
			c.SSEvent(string(evt.Type), evt)
			return true
		}
	})
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

// GetAccount returns the balance of an account.
func (h *HTTPHandler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	balance, err := h.service.Balance(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Account: id, Balance: balance})
}

type fundRequest struct {
	Amount uint64 `json:"amount" binding:"required,gt=0"`
}

// FundAccount credits an account from the faucet.
func (h *HTTPHandler) FundAccount(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	balance, err := h.service.Fund(c.Request.Context(), id, req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Account: id, Balance: balance})
}

func (h *HTTPHandler) observeOracle(kind string, err error) {
	result := "ok"
	if err != nil {
		_, result = statusFor(err)
	}
	h.metrics.ObserveOracle(kind, result)
}

type oracleRequestBody struct {
	QueueRef string `json:"queueRef"`
}

type oracleResponse struct {
	Instruction *oracle.Instruction       `json:"instruction,omitempty"`
	Request     *models.RandomnessRequest `json:"request"`
}

// CreateOracleRequest registers a new request with the local oracle.
func (h *HTTPHandler) CreateOracleRequest(c *gin.Context) {
	var body oracleRequestBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	ref, err := h.oracle.CreateRequest(ctx, body.QueueRef)
	h.observeOracle("create", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	req, err := h.oracle.Request(ctx, ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, oracleResponse{Request: req})
}

// GetOracleRequest returns the public view of a local oracle request.
func (h *HTTPHandler) GetOracleRequest(c *gin.Context) {
	req, err := h.oracle.Request(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, oracleResponse{Request: req})
}

// CommitOracleRequest builds and executes the commit instruction for a request.
func (h *HTTPHandler) CommitOracleRequest(c *gin.Context) {
	var body oracleRequestBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	ins, err := h.oracle.Commit(ctx, c.Param("ref"), body.QueueRef)
	if err != nil {
		h.observeOracle(string(oracle.InstructionCommit), err)
		h.fail(c, err)
		return
	}
	h.execute(c, ins)
}

// RevealOracleRequest builds and executes the reveal instruction for a request.
func (h *HTTPHandler) RevealOracleRequest(c *gin.Context) {
	ins, err := h.oracle.Reveal(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.observeOracle(string(oracle.InstructionReveal), err)
		h.fail(c, err)
		return
	}
	h.execute(c, ins)
}

func (h *HTTPHandler) execute(c *gin.Context, ins oracle.Instruction) {
	req, err := h.oracle.Execute(c.Request.Context(), ins)
	h.observeOracle(string(ins.Kind), err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, oracleResponse{Instruction: &ins, Request: req})
}
