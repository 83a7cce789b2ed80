// Package model はドメインモデルを定義する。
package model

import "time"

// Customer は永続化される顧客レコードを表す。
// GitHubUsername は書き込み時点でディレクトリサービスにより存在確認済みであり、
// 読み取り時には再検証しない。
type Customer struct {
	ID             string
	FullName       string
	Email          string
	GitHubUsername string
	DateOfBirth    Date
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CustomerRequest は作成・更新リクエストの入力値を表す。
// DateOfBirth はバリデーションでパース失敗を報告できるよう文字列のまま保持する。
type CustomerRequest struct {
	FullName       string
	Email          string
	GitHubUsername string
	DateOfBirth    string
}
