package bitflyer

// API paths.
const (
	pathBoardState        = "/v1/getboardstate"
	pathExecutions        = "/v1/getexecutions"
	pathBalance           = "/v1/me/getbalance"
	pathChildOrders       = "/v1/me/getchildorders"
	pathSendChildOrder    = "/v1/me/sendchildorder"
	pathCancelChildOrder  = "/v1/me/cancelchildorder"
	pathTradingCommission = "/v1/me/gettradingcommission"
)

// Exchange-side status codes carried in error bodies.
const (
	statusRateLimited       = -1
	statusMaintenance       = -2
	statusPriceTooLow       = -106
	statusPriceTooHigh      = -107
	statusInsufficientFunds = -200
)

type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"error_message"`
}

type boardStateResponse struct {
	Health string `json:"health"`
	State  string `json:"state"`
}

type balanceEntry struct {
	CurrencyCode string  `json:"currency_code"`
	Amount       float64 `json:"amount"`
	Available    float64 `json:"available"`
}

type childOrder struct {
	ID                   int64   `json:"id"`
	ChildOrderID         string  `json:"child_order_id"`
	ProductCode          string  `json:"product_code"`
	Side                 string  `json:"side"`
	ChildOrderType       string  `json:"child_order_type"`
	Price                float64 `json:"price"`
	AveragePrice         float64 `json:"average_price"`
	Size                 float64 `json:"size"`
	ChildOrderState      string  `json:"child_order_state"`
	ExpireDate           string  `json:"expire_date"`
	ChildOrderDate       string  `json:"child_order_date"`
	ChildOrderAcceptance string  `json:"child_order_acceptance_id"`
	OutstandingSize      float64 `json:"outstanding_size"`
	CancelSize           float64 `json:"cancel_size"`
	ExecutedSize         float64 `json:"executed_size"`
	TotalCommission      float64 `json:"total_commission"`
}

type sendChildOrderRequest struct {
	ProductCode    string  `json:"product_code"`
	ChildOrderType string  `json:"child_order_type"`
	Side           string  `json:"side"`
	Price          int64   `json:"price"`
	Size           float64 `json:"size"`
	MinuteToExpire int     `json:"minute_to_expire"`
	TimeInForce    string  `json:"time_in_force"`
}

type sendChildOrderResponse struct {
	ChildOrderAcceptance string `json:"child_order_acceptance_id"`
}

type cancelChildOrderRequest struct {
	ProductCode          string `json:"product_code"`
	ChildOrderAcceptance string `json:"child_order_acceptance_id"`
}

type tradingCommissionResponse struct {
	CommissionRate float64 `json:"commission_rate"`
}

type execution struct {
	ID       int64   `json:"id"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	ExecDate string  `json:"exec_date"`
}
