// Package gateway は公開側のフォワーディングゲートウェイを提供する。
//
// 自身の呼び出し元にはクライアント証明書を要求せず、リクエストで指定された
// モード（live / recording-proxy / mock）を転送先記述子に解決し、転送
// クライアント経由でバックエンドへ中継する。レスポンスは内側のペイロードを
// 変更せず、転送先ラベルやモードなどのメタデータで包んで返す。
package gateway
