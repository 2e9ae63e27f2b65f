package model

import (
	"strings"
	"time"
)

// ServerStatus is the reachability state of a managed host.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
	ServerUnknown ServerStatus = "unknown"
)

// Server is a managed host in the fleet.
type Server struct {
	ID            int64        `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	Addr          string       `json:"addr" db:"addr"`
	LastSeenAt    *time.Time   `json:"lastSeenAt" db:"last_seen_at"`
	Status        ServerStatus `json:"status" db:"status"`
	IsHAProxyNode bool         `json:"isHaproxyNode" db:"is_haproxy_node"`
	IsEurekaNode  bool         `json:"isEurekaNode" db:"is_eureka_node"`
}

// ShortName returns the first dot-delimited label of the server name, lowercased.
// For IP-shaped names this yields the first octet; operators are expected to
// register DNS-shaped names.
func (s *Server) ShortName() string {
	name := strings.ToLower(s.Name)
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// AppType tags how an application instance is run on its host.
type AppType string

const (
	AppTypeDocker  AppType = "docker"
	AppTypeService AppType = "service"
	AppTypeSite    AppType = "site"
	AppTypeSMF     AppType = "smf"
	AppTypeSysctl  AppType = "sysctl"
	AppTypeEureka  AppType = "eureka"
)

// InstanceState is the last observed runtime state of an instance.
type InstanceState string

const (
	InstanceOnline   InstanceState = "online"
	InstanceOffline  InstanceState = "offline"
	InstanceStarting InstanceState = "starting"
	InstanceStopping InstanceState = "stopping"
	InstanceUnknown  InstanceState = "unknown"
	InstanceNoData   InstanceState = "no_data"
)

// ApplicationInstance is one running or intended process on a Server.
type ApplicationInstance struct {
	ID        int64         `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"`
	AppType   AppType       `json:"appType" db:"app_type"`
	ServerID  int64         `json:"serverId" db:"server_id"`
	GroupID   *int64        `json:"groupId" db:"group_id"`
	CatalogID *int64        `json:"catalogId" db:"catalog_id"`
	State     InstanceState `json:"state" db:"state"`

	Version   string `json:"version" db:"version"`
	DistrPath string `json:"distrPath" db:"distr_path"`
	Image     string `json:"image" db:"image"`
	Tag       string `json:"tag" db:"tag"`
	Compose   string `json:"compose" db:"compose_file"`
	EurekaApp string `json:"eurekaApp" db:"eureka_app"`
	Addr      string `json:"addr" db:"addr"`

	CustomPlaybookPath string `json:"customPlaybookPath" db:"custom_playbook_path"`
	CustomDistrURL     string `json:"customDistrUrl" db:"custom_distr_url"`
	CustomDistrExt     string `json:"customDistrExt" db:"custom_distr_ext"`

	DeletedAt *time.Time `json:"deletedAt" db:"deleted_at"`
}

// InstanceNumber extracts the trailing digits of the instance name
// ("billing_12" -> 12). Names without a numeric suffix yield 0.
func (i *ApplicationInstance) InstanceNumber() int {
	name := i.Name
	j := len(name)
	for j > 0 && name[j-1] >= '0' && name[j-1] <= '9' {
		j--
	}
	if j == len(name) {
		return 0
	}
	n := 0
	for _, c := range name[j:] {
		n = n*10 + int(c-'0')
	}
	return n
}

// BatchStrategy controls rollout ordering for grouped instances.
type BatchStrategy string

const (
	BatchByGroup        BatchStrategy = "by_group"
	BatchByServer       BatchStrategy = "by_server"
	BatchByInstanceName BatchStrategy = "by_instance_name"
	BatchNoGrouping     BatchStrategy = "no_grouping"
)

// ApplicationGroup is a logical grouping of instances sharing update defaults.
// Instances inherit group fields when their own override is empty.
type ApplicationGroup struct {
	ID           int64         `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	PlaybookPath string        `json:"playbookPath" db:"playbook_path"`
	DistrURL     string        `json:"distrUrl" db:"distr_url"`
	DistrExt     string        `json:"distrExt" db:"distr_ext"`
	Strategy     BatchStrategy `json:"strategy" db:"strategy"`
}

// MappingEntityType discriminates what external entity a mapping points at.
type MappingEntityType string

const (
	MappingHAProxyServer  MappingEntityType = "haproxy_server"
	MappingEurekaInstance MappingEntityType = "eureka_instance"
)

// ApplicationMapping links an instance to an external load-balancer or
// registry entity. At most one active mapping per (instance, entity_type).
type ApplicationMapping struct {
	ID         int64             `json:"id" db:"id"`
	InstanceID int64             `json:"instanceId" db:"instance_id"`
	EntityType MappingEntityType `json:"entityType" db:"entity_type"`
	EntityID   int64             `json:"entityId" db:"entity_id"`
	IsManual   bool              `json:"isManual" db:"is_manual"`
	IsActive   bool              `json:"isActive" db:"is_active"`
	CreatedBy  string            `json:"createdBy" db:"created_by"`
	CreatedAt  time.Time         `json:"createdAt" db:"created_at"`
	Reason     string            `json:"reason" db:"reason"`
}

// HAProxyStatus is the state of a backend server as reported by HAProxy.
type HAProxyStatus string

const (
	HAProxyUp    HAProxyStatus = "UP"
	HAProxyDown  HAProxyStatus = "DOWN"
	HAProxyMaint HAProxyStatus = "MAINT"
	HAProxyDrain HAProxyStatus = "DRAIN"
)

// HAProxyInstance is one HAProxy process, owned by a fleet Server. Its
// management API is reachable at http://<server addr>:<api port><api base path>.
type HAProxyInstance struct {
	ID          int64  `json:"id" db:"id"`
	ServerID    int64  `json:"serverId" db:"server_id"`
	Name        string `json:"name" db:"name"`
	APIPort     int    `json:"apiPort" db:"api_port"`
	APIBasePath string `json:"apiBasePath" db:"api_base_path"`
}

// HAProxyBackend is a backend section within an HAProxy instance.
type HAProxyBackend struct {
	ID                int64  `json:"id" db:"id"`
	HAProxyInstanceID int64  `json:"haproxyInstanceId" db:"haproxy_instance_id"`
	Name              string `json:"name" db:"name"`
}

// HAProxyServer is one server line inside a backend. A drain completes when
// Status is DRAIN and CurConns reaches zero.
type HAProxyServer struct {
	ID            int64         `json:"id" db:"id"`
	BackendID     int64         `json:"backendId" db:"backend_id"`
	Name          string        `json:"name" db:"name"`
	Status        HAProxyStatus `json:"status" db:"status"`
	Weight        int           `json:"weight" db:"weight"`
	CurConns      int           `json:"curConns" db:"cur_conns"`
	MaxConns      int           `json:"maxConns" db:"max_conns"`
	LastChangeSec int           `json:"lastChangeSec" db:"last_change_sec"`
}

// EurekaStatus is the registration state reported by a Eureka server.
type EurekaStatus string

const (
	EurekaUp           EurekaStatus = "UP"
	EurekaDown         EurekaStatus = "DOWN"
	EurekaPaused       EurekaStatus = "PAUSED"
	EurekaStarting     EurekaStatus = "STARTING"
	EurekaOutOfService EurekaStatus = "OUT_OF_SERVICE"
	EurekaUnknown      EurekaStatus = "UNKNOWN"
)

type EurekaServer struct {
	ID       int64  `json:"id" db:"id"`
	ServerID int64  `json:"serverId" db:"server_id"`
	Name     string `json:"name" db:"name"`
	APIURL   string `json:"apiUrl" db:"api_url"`
}

type EurekaApplication struct {
	ID             int64  `json:"id" db:"id"`
	EurekaServerID int64  `json:"eurekaServerId" db:"eureka_server_id"`
	Name           string `json:"name" db:"name"`
}

type EurekaInstance struct {
	ID                  int64        `json:"id" db:"id"`
	EurekaApplicationID int64        `json:"eurekaApplicationId" db:"eureka_application_id"`
	InstanceID          string       `json:"instanceId" db:"eureka_instance_id"`
	Status              EurekaStatus `json:"status" db:"status"`
	HealthURL           string       `json:"healthUrl" db:"health_url"`
	HomeURL             string       `json:"homeUrl" db:"home_url"`
	StatusURL           string       `json:"statusUrl" db:"status_url"`
}

// EventStatus is the outcome recorded on an audit event.
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
	EventPending EventStatus = "pending"
)

// Event is an append-only audit record.
type Event struct {
	ID          string      `json:"id" db:"id"`
	Timestamp   time.Time   `json:"timestamp" db:"timestamp"`
	Type        string      `json:"type" db:"event_type"`
	Status      EventStatus `json:"status" db:"status"`
	Description string      `json:"description" db:"description"`
	ServerID    int64       `json:"serverId" db:"server_id"`
	InstanceID  *int64      `json:"instanceId" db:"instance_id"`
	TaskID      *string     `json:"taskId" db:"task_id"`
}

// ChangeSource tells who caused a recorded version change.
type ChangeSource string

const (
	SourceUser   ChangeSource = "user"
	SourceAgent  ChangeSource = "agent"
	SourceSystem ChangeSource = "system"
)

// VersionHistory is an append-only per-instance record of a version change.
type VersionHistory struct {
	ID           int64        `json:"id" db:"id"`
	InstanceID   int64        `json:"instanceId" db:"instance_id"`
	TaskID       string       `json:"taskId" db:"task_id"`
	OldVersion   string       `json:"oldVersion" db:"old_version"`
	NewVersion   string       `json:"newVersion" db:"new_version"`
	OldDistrPath string       `json:"oldDistrPath" db:"old_distr_path"`
	NewDistrPath string       `json:"newDistrPath" db:"new_distr_path"`
	OldImage     string       `json:"oldImage" db:"old_image"`
	NewImage     string       `json:"newImage" db:"new_image"`
	OldTag       string       `json:"oldTag" db:"old_tag"`
	NewTag       string       `json:"newTag" db:"new_tag"`
	Source       ChangeSource `json:"source" db:"source"`
	CreatedAt    time.Time    `json:"createdAt" db:"created_at"`
	Notes        string       `json:"notes" db:"notes"`
}
