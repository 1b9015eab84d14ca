package filter

/*
Env is what room filter expressions see. Filters are stored in the configuration and sent by clients, so once
published the field names must not change, otherwise existing filters stop compiling.
*/

type User struct {
	Id   string
	Name string
}

type Room struct {
	Id              string
	Name            string
	Kind            string
	Members         []string
	Admins          []string
	CreatedBy       string
	LastMessageTime int64
}

type Env struct {
	User User
	Room Room
}
