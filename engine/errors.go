package engine

import "errors"

// 市集操作的可預期結果，呼叫端以 errors.Is 分辨。
// 除了 ErrPersistence 以外都屬於可回復的本地結果，操作要嘛完整成功，
// 要嘛不留下任何狀態變更。
var (
	// ErrValidation 代表不合法的價格或時長等輸入
	ErrValidation = errors.New("invalid auction parameters")
	// ErrNotFound 代表查無掛單或傳送點
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName 代表名稱已被其他進行中的掛單使用
	ErrDuplicateName = errors.New("auction name already in use")
	// ErrGateClosed 代表市集開關已關閉
	ErrGateClosed = errors.New("market is closed")
	// ErrStateConflict 代表掛單狀態不符、版本過期或權杖不存在
	ErrStateConflict = errors.New("auction state conflict")
	// ErrPermissionDenied 代表請求者不是賣家也沒有覆寫權限
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAuctionHasBids 代表掛單已有出價，不能取消
	ErrAuctionHasBids = errors.New("auction already has bids")
	// ErrInsufficientFunds 代表經濟系統無法保留足夠的金額
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrWrongRequester 代表確認直購的玩家不是權杖的請求者
	ErrWrongRequester = errors.New("buyout confirmation from wrong player")
	// ErrExpiredConfirmation 代表直購權杖已超過有效時間
	ErrExpiredConfirmation = errors.New("buyout confirmation expired")
	// ErrPersistence 代表持久化寫入失敗，記憶體狀態已回滾
	ErrPersistence = errors.New("persistence failure")
)
