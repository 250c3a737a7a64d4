package model

import "errors"

// 业务错误类别，各层用 errors.Is 判断后映射为 HTTP 状态码
var (
	// ErrNotFound 房间/曲目不存在，或曲目不属于该房间
	ErrNotFound = errors.New("not found")

	// ErrForbidden 操作者缺少管理员或成员身份
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState 当前播放状态机不允许该操作
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument 参数非法，例如 seek 越界
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict 重复投票，幂等处理，调用方不作为硬错误上抛
	ErrConflict = errors.New("conflict")
)
