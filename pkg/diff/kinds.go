package diff

import "strings"

// Display labels for backend codes.
var (
	WorkStatusLabels = map[string]string{
		"BUSY":     "工作中",
		"IDLE":     "空闲中",
		"RESTING":  "休息中",
		"OFF_DUTY": "离线",
	}
	GenderLabels = map[string]string{
		"MALE":   "男",
		"FEMALE": "女",
	}
	OrderStatusLabels = map[string]string{
		"PENDING_ACCEPTANCE": "待接单",
		"IN_PROGRESS":        "进行中",
		"PENDING_AUDIT":      "待审核",
		"COMPLETED":          "已结单",
		"REJECTED":           "未通过",
		"REJECTED_TO_SUBMIT": "重新审核中",
		"RESUBMITTING":       "重新审核中",
	}
	PlayStyleLabels = map[string]string{
		"TECHNICAL":     "技术型",
		"ENTERTAINMENT": "娱乐型",
	}
	ServiceTypeLabels = map[string]string{
		"RANKED": "排位赛",
		"CASUAL": "娱乐赛",
	}
	RoleLabels = map[string]string{
		"admin":            "管理员",
		"customer-service": "客服",
		"user":             "员工",
	}
	ActiveLabels = map[string]string{
		"true":  "启用",
		"false": "禁用",
	}
)

// Employees diffs the employee list shown to customer service.
var Employees = Differ{
	Kind:        "employee",
	Noun:        "员工",
	Identity:    fieldID("id"),
	DisplayName: personWithID,
	Heading:     personWithID,
	Fields: []Field{
		{Key: "workStatus", Label: "工作状态", Present: Labels(WorkStatusLabels)},
		{Key: "gender", Label: "性别", Present: Labels(GenderLabels)},
		{Key: "name", Label: "姓名"},
		{Key: "username", Label: "用户名"},
		{Key: "realName", Label: "真实姓名"},
		{Key: "avatar", Label: "头像"},
		{Key: "game", Label: "游戏"},
		{Key: "level", Label: "等级"},
	},
}

// Orders diffs work-order lists. Orders without an id fall back to their
// order number.
var Orders = Differ{
	Kind:     "order",
	Noun:     "工单",
	Identity: fieldID("id", "orderNumber"),
	DisplayName: func(r Record, id string) string {
		customer := text(r, "customerName")
		if customer == "" {
			customer = "未知客户"
		}
		return orderNumber(r, id) + " - " + customer
	},
	Heading: func(r Record, id string) string {
		return "工单 " + orderNumber(r, id)
	},
	Fields: []Field{
		{Key: "status", Label: "状态", Present: Labels(OrderStatusLabels)},
		{Key: "customerName", Label: "客户姓名"},
		{Key: "game", Label: "游戏类型"},
		{Key: "playStyle", Label: "陪玩类型", Present: Labels(PlayStyleLabels)},
		{Key: "serviceType", Label: "服务类型", Present: Labels(ServiceTypeLabels)},
		{Key: "createdAt", Label: "创建时间", Present: Timestamp},
		{Key: "completedAt", Label: "完成时间", Present: Timestamp},
		{Key: "auditComments", Label: "审核备注"},
	},
}

// Users diffs the admin account list.
var Users = Differ{
	Kind:        "user",
	Noun:        "用户",
	Identity:    fieldID("id"),
	DisplayName: personWithID,
	Heading:     personWithID,
	Fields: []Field{
		{Key: "username", Label: "用户名"},
		{Key: "realName", Label: "真实姓名"},
		{Key: "role", Label: "角色", Present: Labels(RoleLabels)},
		{Key: "isActive", Label: "状态", Present: Labels(ActiveLabels)},
	},
}

// ForKey picks a differ from a polling key: keys mentioning orders or
// work records diff as orders, everything else as employees.
func ForKey(key string) Differ {
	if strings.Contains(key, "order") || strings.Contains(key, "work-record") {
		return Orders
	}
	return Employees
}

// fieldID returns the first present, non-empty field as the identity.
func fieldID(keys ...string) func(Record) string {
	return func(r Record) string {
		for _, k := range keys {
			if s := text(r, k); s != "" && s != "0" && s != "false" {
				return s
			}
		}
		return ""
	}
}

func personWithID(r Record, id string) string {
	name := text(r, "name")
	if name == "" {
		name = text(r, "username")
	}
	return name + " (ID: " + id + ")"
}

func orderNumber(r Record, id string) string {
	if n := text(r, "orderNumber"); n != "" {
		return n
	}
	return id
}

func text(r Record, key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}
