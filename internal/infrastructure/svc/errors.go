package svc

import "errors"

// ErrNoExchangesEnabled 错误：启用的交易所不足两个，无法构成对冲腿
var ErrNoExchangesEnabled = errors.New("need at least two enabled exchanges")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
