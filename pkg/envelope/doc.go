// Package envelope はAPIレスポンスの統一エンベロープを提供する。
//
// リソースサーバーとゲートウェイの両方が、成功・失敗を問わず
// {success, data|error, meta} 形式でレスポンスを返すために使用する。
// metaには毎回新しいリクエストIDとタイムスタンプが付与される。
package envelope
