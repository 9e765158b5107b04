package main

// 引入厂商模板，触发各平台的 init() 完成注册
import (
	_ "github.com/oltcli/oltcli/addone/profile/platforms/huawei_ma5800"
	_ "github.com/oltcli/oltcli/addone/profile/platforms/zte_c300"
)
