// Package userstore はユーザーレコードのCRUDストアを提供する。
//
// バックエンドはインメモリSQLiteであり、レコードの寿命はプロセスの
// 寿命に束縛される。IDはAUTOINCREMENTにより単調増加し、削除後も
// 再利用されない。Storeはサーバー構築時に参照で注入し、テストは
// ケースごとに独立したストアを生成できる。
package userstore
