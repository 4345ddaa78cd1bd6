package economy

import "github.com/redis/go-redis/v9"

// reserveScript 用於原子性地保留玩家餘額
//  KEYS[1] - 玩家餘額鍵
//  KEYS[2] - 保留紀錄鍵
//  ARGV[1] - 保留金額
//  ARGV[2] - 玩家 ID
//  ARGV[3] - 玩家餘額鍵（寫入保留紀錄，退款時使用）
//
// 返回值:
//  1 - 保留成功
//  0 - 餘額不足
var reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1])) or 0
local amount = tonumber(ARGV[1])

if balance < amount then
    return 0
end

redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2],
    'player', ARGV[2],
    'amount', amount,
    'balance_key', ARGV[3])

return 1
`)

// releaseScript 用於原子性地取消保留並退還金額
//  KEYS[1] - 保留紀錄鍵
//
// 返回值:
//  1 - 退還成功
//  0 - 保留紀錄不存在
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end

local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
local balance_key = redis.call('HGET', KEYS[1], 'balance_key')

redis.call('INCRBY', balance_key, amount)
redis.call('DEL', KEYS[1])

return 1
`)

// transferScript 用於原子性地將保留金額轉入收款者
//  KEYS[1] - 保留紀錄鍵
//  KEYS[2] - 收款者餘額鍵
//
// 返回值:
//  1 - 轉帳成功
//  0 - 保留紀錄不存在
var transferScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end

local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))

redis.call('INCRBY', KEYS[2], amount)
redis.call('DEL', KEYS[1])

return 1
`)
