package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nakatomo/mtlsdemo/pkg/envelope"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// ルート処理中の予期しない失敗をリスナーを落とさずに500エンベロープへ
// 変換する。スタックトレースは呼び出し元へ漏らさず、ログにのみ出力する。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					envelope.Failure(envelope.CodeInternalError, "Internal server error", nil))
			}
		}()
		c.Next()
	}
}
