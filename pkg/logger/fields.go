package logger

import (
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/presence"
)

func Identity(v presence.Identity) zap.Field {
	return zap.String("identity", string(v))
}

func Offset(v string) zap.Field {
	return zap.String("offset", v)
}

func Seq(v int64) zap.Field {
	return zap.Int64("seq", v)
}

func Cursor(v int64) zap.Field {
	return zap.Int64("cursor", v)
}

func Origin(v string) zap.Field {
	return zap.String("origin", v)
}

func ConnID(v string) zap.Field {
	return zap.String("conn", v)
}
