package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	DryRunMode         string
	LiveModeNoBroker   string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	StateLoadFailed    string
	APIServerError     string
	LicenseValid       string
	LicenseInvalid     string
	LicenseSkipped     string
	MetricsInit        string

	// Accounts and workers
	AccountsLoaded      string
	AccountsFileMissing string
	AccountsSyncFailed  string
	NoEnabledAccounts   string
	SupervisorStarted   string
	WorkerStarted       string
	WorkerStopped       string
	WorkerUnavailable   string
	WorkerRestarting    string

	// Signals
	SignalStale           string
	SignalBufferFull      string
	SignalJournalEnabled  string
	SignalJournalFailed   string
	JournalRecoveryError  string
	JournalReplaySkipped  string
	SignalFeedConnected   string
	SignalFeedRetry       string
	SignalProcessingPanic string

	// Orders
	OrderSubmitted    string
	OrderFailed       string
	OrderTimeout      string
	PolicySkip        string
	PayoutBelowMin    string
	NoTargetAccount   string
	LedgerWriteFailed string

	// Staking
	EngineInit    string
	LaneCreated   string
	LaneAdvanced  string
	LaneRecovered string
	LaneExhausted string
	QueueCleared  string

	// Result monitoring
	MonitorStarted    string
	MonitorResumed    string
	TradeResolved     string
	TradeTimedOut     string
	ResultCheckFailed string

	// Balance
	BalanceManagerStarted string
	BalanceSyncFailed     string
	BalanceInitialized    string

	// Services
	PolicyManagerInit    string
	StatsRecorderStarted string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting binary options trading core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	DryRunMode:         "Running in DRY-RUN mode (orders are simulated, no broker traffic)",
	LiveModeNoBroker:   "DRY_RUN=false but no live broker dialer is built in; refusing to start",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	StateLoadFailed:    "Failed to load open trades: %v",
	APIServerError:     "API server error: %v",
	LicenseValid:       "License valid (machine-bound, expires %s)",
	LicenseInvalid:     "License validation failed: %v",
	LicenseSkipped:     "License check skipped (no token configured)",
	MetricsInit:        "System metrics initialized",

	// Accounts and workers
	AccountsLoaded:      "Loaded %d accounts (%d enabled)",
	AccountsFileMissing: "Accounts file %s not found, continuing with DB accounts",
	AccountsSyncFailed:  "Failed to sync accounts to DB: %v",
	NoEnabledAccounts:   "No enabled accounts to trade with, check the accounts file",
	SupervisorStarted:   "Worker supervisor started (%d accounts)",
	WorkerStarted:       "Worker started for account %s",
	WorkerStopped:       "Worker stopped for account %s",
	WorkerUnavailable:   "Account %s unavailable: %v",
	WorkerRestarting:    "Restarting worker for account %s (attempt %d)",

	// Signals
	SignalStale:           "Discarding stale signal %s (age %v)",
	SignalBufferFull:      "Signal buffer full, dropping %s signal",
	SignalJournalEnabled:  "Signal journal enabled: %s",
	SignalJournalFailed:   "Failed to open signal journal: %v, continuing without",
	JournalRecoveryError:  "Journal recovery error: %v",
	JournalReplaySkipped:  "Signal %s already placed a trade, not replaying",
	SignalFeedConnected:   "Signal feed connected: %s",
	SignalFeedRetry:       "Signal feed disconnected: %v (retrying in %v)",
	SignalProcessingPanic: "PANIC in signal processing: %v",

	// Orders
	OrderSubmitted:    "Order %s submitted (latency: %v)",
	OrderFailed:       "Order %s failed: %v",
	OrderTimeout:      "Order %s timed out after %v",
	PolicySkip:        "Signal %s skipped for %s: %s",
	PayoutBelowMin:    "Skipping %s for %s: payout %.2f below minimum %.2f",
	NoTargetAccount:   "No target account resolved for signal %s",
	LedgerWriteFailed: "Ledger write failed for %s: %v",

	// Staking
	EngineInit:    "Staking engine initialized",
	LaneCreated:   "Lane %s created (level %d, next stake %.2f)",
	LaneAdvanced:  "Lane %s advanced to level %d (next stake %.2f)",
	LaneRecovered: "Lane %s recovered on win (total staked %.2f)",
	LaneExhausted: "Lane %s exhausted at max level %d, closing at a loss",
	QueueCleared:  "Recovery queue cleared for %s after win",

	// Result monitoring
	MonitorStarted:    "Result monitor started",
	MonitorResumed:    "Resumed monitoring %d open trades",
	TradeResolved:     "Trade %s resolved: %s (profit %.2f)",
	TradeTimedOut:     "Trade %s unresolved after grace period, recording loss",
	ResultCheckFailed: "Result check failed for %s: %v",

	// Balance
	BalanceManagerStarted: "Balance manager started (sync every %v)",
	BalanceSyncFailed:     "Balance sync failed for %s: %v",
	BalanceInitialized:    "Sim balance initialized: %.2f",

	// Services
	PolicyManagerInit:    "Trading policy manager initialized",
	StatsRecorderStarted: "Performance recorder started",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動二元期權交易核心...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	DryRunMode:         "DRY-RUN 模式（訂單僅模擬，不會連線券商）",
	LiveModeNoBroker:   "DRY_RUN=false 但尚未內建實盤券商連線，拒絕啟動",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	StateLoadFailed:    "載入未結算交易失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	LicenseValid:       "授權有效（綁定本機，到期日 %s）",
	LicenseInvalid:     "授權驗證失敗：%v",
	LicenseSkipped:     "未設定授權金鑰，略過授權檢查",
	MetricsInit:        "系統指標初始化完成",

	// Accounts and workers
	AccountsLoaded:      "已載入 %d 個帳戶（啟用 %d 個）",
	AccountsFileMissing: "找不到帳戶設定檔 %s，改用資料庫中的帳戶",
	AccountsSyncFailed:  "同步帳戶到資料庫失敗：%v",
	NoEnabledAccounts:   "沒有任何已啟用的帳戶可供交易，請檢查帳戶設定檔",
	SupervisorStarted:   "工作者監管器已啟動（%d 個帳戶）",
	WorkerStarted:       "帳戶 %s 的連線工作者已啟動",
	WorkerStopped:       "帳戶 %s 的連線工作者已停止",
	WorkerUnavailable:   "帳戶 %s 無法使用：%v",
	WorkerRestarting:    "重新啟動帳戶 %s 的連線工作者（第 %d 次）",

	// Signals
	SignalStale:           "捨棄過期訊號 %s（延遲 %v）",
	SignalBufferFull:      "訊號緩衝區已滿，捨棄 %s 訊號",
	SignalJournalEnabled:  "訊號日誌已啟用：%s",
	SignalJournalFailed:   "開啟訊號日誌失敗：%v，將不做持久化",
	JournalRecoveryError:  "訊號日誌還原錯誤：%v",
	JournalReplaySkipped:  "訊號 %s 已下過單，略過重播",
	SignalFeedConnected:   "訊號來源已連線：%s",
	SignalFeedRetry:       "訊號來源斷線：%v（%v 後重試）",
	SignalProcessingPanic: "處理訊號時發生 PANIC：%v",

	// Orders
	OrderSubmitted:    "訂單 %s 已送出（延遲：%v）",
	OrderFailed:       "訂單 %s 失敗：%v",
	OrderTimeout:      "訂單 %s 逾時（%v）",
	PolicySkip:        "訊號 %s 於帳戶 %s 略過：%s",
	PayoutBelowMin:    "略過 %s（帳戶 %s）：賠率 %.2f 低於下限 %.2f",
	NoTargetAccount:   "訊號 %s 找不到目標帳戶",
	LedgerWriteFailed: "帳本寫入失敗（%s）：%v",

	// Staking
	EngineInit:    "加注引擎初始化完成",
	LaneCreated:   "回收通道 %s 已建立（層級 %d，下次金額 %.2f）",
	LaneAdvanced:  "回收通道 %s 升至層級 %d（下次金額 %.2f）",
	LaneRecovered: "回收通道 %s 獲勝完成（累計投入 %.2f）",
	LaneExhausted: "回收通道 %s 已達最高層級 %d，認賠結束",
	QueueCleared:  "%s 獲勝，回收佇列已清空",

	// Result monitoring
	MonitorStarted:    "結果監控已啟動",
	MonitorResumed:    "已恢復監控 %d 筆未結算交易",
	TradeResolved:     "交易 %s 結果：%s（損益 %.2f）",
	TradeTimedOut:     "交易 %s 超過寬限期仍無結果，記為虧損",
	ResultCheckFailed: "查詢交易 %s 結果失敗：%v",

	// Balance
	BalanceManagerStarted: "資金管理器已啟動（每 %v 同步）",
	BalanceSyncFailed:     "同步帳戶 %s 餘額失敗：%v",
	BalanceInitialized:    "模擬資金已初始化：%.2f",

	// Services
	PolicyManagerInit:    "交易策略管理器初始化完成",
	StatsRecorderStarted: "績效統計已啟動",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
