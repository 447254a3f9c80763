package service

import "errors"

// ErrReferentialIntegrity 事件引用的订阅者或 capper 不存在，不创建占位用户
var ErrReferentialIntegrity = errors.New("referential integrity violation")
