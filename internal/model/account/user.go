package account

import "time"

// User 是凭证存储中的账号记录，注册后不再修改。
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Profile 是会话中保存的用户快照，不含凭证。
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	LoginTime time.Time `json:"loginTime"`
}

// Snapshot 生成登录时刻的用户快照。
func (u User) Snapshot(at time.Time) Profile {
	return Profile{ID: u.ID, Name: u.Name, Email: u.Email, LoginTime: at}
}

// Session 是一次登录的结果。
type Session struct {
	Token string  `json:"token"`
	User  Profile `json:"user"`
}
